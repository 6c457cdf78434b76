package webapi

import (
	"time"

	"github.com/swcompose/operator/internal/store"
)

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// CreateTaskRequest creates a new task.
type CreateTaskRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskResponse describes a task plus its live orchestration state.
type TaskResponse struct {
	Task        store.Task `json:"task"`
	Phase       string     `json:"phase"`
	IterationID string     `json:"iterationId,omitempty"`
	InstanceID  string     `json:"instanceId,omitempty"`
	Awaiting    bool       `json:"awaiting"`
}

// BootRequest is the boot endpoint body; validated against the boot schema.
type BootRequest struct {
	SnapshotID  string `json:"snapshotId"`
	Prompt      string `json:"prompt"`
	MachineName string `json:"machineName,omitempty"`
	TokenID     string `json:"tokenId,omitempty"`
	UserEmail   string `json:"userEmail,omitempty"`
	Model       string `json:"model,omitempty"`
}

// BootResponse returns the booted instance id.
type BootResponse struct {
	InstanceID  string `json:"instanceId"`
	MachineName string `json:"machineName"`
}

// ResolveResponse reports whether an existing instance was found.
type ResolveResponse struct {
	Found       bool   `json:"found"`
	IterationID string `json:"iterationId,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// SendRequest is the message endpoint body; validated against the send
// schema.
type SendRequest struct {
	InstanceID string `json:"instanceId"`
	Text       string `json:"text"`
	SessionID  string `json:"sessionId,omitempty"`
	Model      string `json:"model,omitempty"`
}

// SessionSummary is one session in a conversation response.
type SessionSummary struct {
	ID            string    `json:"id"`
	ExternalUUID  string    `json:"externalUuid,omitempty"`
	SessionName   string    `json:"sessionName,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	MessageCount  int       `json:"messageCount"`
}

// ConversationResponse is the conversation view for a task.
type ConversationResponse struct {
	IterationID      string           `json:"iterationId,omitempty"`
	MachineName      string           `json:"machineName,omitempty"`
	SetupStatus      string           `json:"setupStatus,omitempty"`
	Sessions         []SessionSummary `json:"sessions"`
	CurrentSessionID string           `json:"currentSessionId,omitempty"`
	Messages         []store.Message  `json:"messages"`
	Awaiting         bool             `json:"awaiting"`
}

// InstanceResponse reports an instance's observed state.
type InstanceResponse struct {
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
	ServiceURL string `json:"serviceUrl,omitempty"`
}

// SnapshotRequest creates a named template snapshot.
type SnapshotRequest struct {
	Name        string `json:"name"`
	IterationID string `json:"iterationId,omitempty"`
}

// SnapshotResponse describes one snapshot.
type SnapshotResponse struct {
	ID        string            `json:"id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt,omitempty"`
}

// CreatePromptRequest adds a prompt to the library.
type CreatePromptRequest struct {
	Name    string   `json:"name"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// CreateVersionRequest appends a version to a prompt.
type CreateVersionRequest struct {
	Content   string `json:"content"`
	Changelog string `json:"changelog,omitempty"`
}

// ForkPromptRequest forks a prompt version into a new prompt.
type ForkPromptRequest struct {
	VersionID string `json:"versionId"`
	NewName   string `json:"newName"`
	Reason    string `json:"reason,omitempty"`
}

// SetSystemPromptRequest selects a task's system prompt.
type SetSystemPromptRequest struct {
	PromptID  string `json:"promptId"`
	VersionID string `json:"versionId,omitempty"`
}

// TokenStatusResponse reports credential health for the console header.
type TokenStatusResponse struct {
	Connected    bool      `json:"connected"`
	SharedToken  bool      `json:"sharedToken"`
	Expired      bool      `json:"expired"`
	ExpiringSoon bool      `json:"expiringSoon"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}
