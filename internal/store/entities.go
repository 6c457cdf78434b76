package store

import (
	"sort"
	"time"
)

// Task is a unit of user work. Metadata carries UI-chosen settings such as
// the credential id to provision VMs with.
type Task struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Description   string         `json:"description,omitempty"`
	LastMessageAt time.Time      `json:"lastMessageAt,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt,omitempty"`
}

// Iteration setup status values. Pending is written with the lineage
// transaction; the background provisioning chain moves it to complete or
// failed.
const (
	SetupPending  = "pending"
	SetupComplete = "complete"
	SetupFailed   = "failed"
)

// Iteration is one VM provisioning lifecycle for a task.
type Iteration struct {
	ID                   string    `json:"id"`
	MachineName          string    `json:"machineName,omitempty"`
	LastSessionMessageAt time.Time `json:"lastSessionMessageAt,omitempty"`
	SetupStatus          string    `json:"setupStatus,omitempty"`
	CreatedAt            time.Time `json:"createdAt,omitempty"`

	Sessions []Session `json:"sessions,omitempty"`
}

// Session is one external assistant conversation thread. ExternalUUID is the
// assistant provider's session id; resuming a conversation means passing it
// back to a fresh assistant process.
type Session struct {
	ID            string    `json:"id"`
	ExternalUUID  string    `json:"externalUuid,omitempty"`
	SessionName   string    `json:"sessionName,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`

	Messages []Message `json:"messages,omitempty"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn in a conversation. ExternalUUID deduplicates against
// the sync agent's own message stream.
type Message struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	ExternalUUID string    `json:"externalUuid,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`

	// SessionID is populated on flattened views so callers can tell which
	// session a message came from without re-walking the graph.
	SessionID string `json:"sessionId,omitempty"`

	Parts []MessagePart `json:"messageParts,omitempty"`
}

// MessagePart content types.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
	PartFile       = "file"
	PartData       = "data"
	PartStepStart  = "step-start"
)

// MessagePart states for tool-call parts.
const (
	PartStatePending  = "pending"
	PartStateRunning  = "running"
	PartStateComplete = "complete"
	PartStateError    = "error"
)

// MessagePart is one content fragment of a message.
type MessagePart struct {
	ID        string `json:"id"`
	PartType  string `json:"partType"`
	Text      string `json:"text,omitempty"`
	State     string `json:"state,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	Input     any    `json:"input,omitempty"`
	Output    any    `json:"output,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
	URL       string `json:"url,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Order     int    `json:"order,omitempty"`
}

// MorphSnapshot pairs an external compute snapshot id with a local record id
// so iterations can link to it without depending on external-id stability.
type MorphSnapshot struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalMorphSnapshotId"`
}

// MorphInstance pairs an external compute instance id with a local record id.
type MorphInstance struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalMorphInstanceId"`
}

// Prompt is a named entry in the system-prompt library.
type Prompt struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Tags      []string  `json:"tags,omitempty"`
	IsActive  bool      `json:"isActive"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	Versions []PromptVersion `json:"versions,omitempty"`
}

// PromptVersion is one immutable revision of a prompt's content.
type PromptVersion struct {
	ID         string    `json:"id"`
	Version    int       `json:"version"`
	Content    string    `json:"content"`
	Changelog  string    `json:"changelog,omitempty"`
	IsLatest   bool      `json:"isLatest"`
	IsDraft    bool      `json:"isDraft"`
	TokenCount int       `json:"tokenCount,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// PromptFork records lineage between a prompt and the prompt it was forked
// from.
type PromptFork struct {
	ID         string    `json:"id"`
	ForkReason string    `json:"forkReason,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// OAuthToken is a stored credential for an assistant provider.
type OAuthToken struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	AuthToken    string    `json:"authToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// UserProfile identifies a console user.
type UserProfile struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	UserEmail string `json:"userEmail"`
}

// ConversationGraph is the session graph of a task's most recent iteration.
type ConversationGraph struct {
	TaskID      string
	IterationID string
	MachineName string
	SetupStatus string
	// Sessions are ordered by creation time descending (newest first).
	Sessions []Session
}

// AllMessages flattens every session's messages into one view sorted
// ascending by creation time. Ordering ignores session grouping so
// interleaved conversations read in true chronological order.
func (c *ConversationGraph) AllMessages() []Message {
	var out []Message
	for _, s := range c.Sessions {
		for _, m := range s.Messages {
			m.SessionID = s.ID
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionMessages returns the messages of one session, ascending by creation
// time, or nil when the session is not part of this conversation.
func (c *ConversationGraph) SessionMessages(sessionID string) []Message {
	for _, s := range c.Sessions {
		if s.ID == sessionID {
			msgs := make([]Message, len(s.Messages))
			copy(msgs, s.Messages)
			sort.SliceStable(msgs, func(i, j int) bool {
				return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
			})
			for i := range msgs {
				msgs[i].SessionID = s.ID
			}
			return msgs
		}
	}
	return nil
}

// LatestSession returns the session with the most recent last-message
// timestamp, or nil when the conversation has no sessions. This is the
// resume target when the caller has no explicit selection.
func (c *ConversationGraph) LatestSession() *Session {
	var latest *Session
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if latest == nil || s.LastMessageAt.After(latest.LastMessageAt) {
			latest = s
		}
	}
	return latest
}

// CurrentSession returns the newest session by creation time, or nil. A
// session count increase between polls moves this automatically, which is
// what switches the active view after a resumed conversation spawns a new
// session.
func (c *ConversationGraph) CurrentSession() *Session {
	var newest *Session
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	return newest
}

// FindSession returns the session with the given local id, or nil.
func (c *ConversationGraph) FindSession(sessionID string) *Session {
	for i := range c.Sessions {
		if c.Sessions[i].ID == sessionID {
			return &c.Sessions[i]
		}
	}
	return nil
}
