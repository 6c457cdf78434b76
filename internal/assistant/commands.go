// Package assistant builds the shell commands that provision and drive the
// Claude CLI on an operator VM. Prompt and credential payloads travel
// base64-encoded so arbitrary text survives shell quoting; the VM decodes
// them in place.
package assistant

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// DefaultModel is the model flag passed to the assistant CLI when the
// caller does not choose one.
const DefaultModel = "sonnet"

// SessionPrefix is the base label for assistant sessions; continuations are
// numbered SessionPrefix-2, -3, and so on.
const SessionPrefix = "operator-main"

// WorkDir is where the assistant runs on the VM.
const WorkDir = "~/operator/sw-compose"

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-]`)

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// credentialsFile is the on-VM credentials document the CLI reads.
type credentialsFile struct {
	ClaudeAIOauth struct {
		AccessToken      string   `json:"accessToken"`
		ExpiresAt        string   `json:"expiresAt"`
		Scopes           []string `json:"scopes"`
		SubscriptionType string   `json:"subscriptionType"`
	} `json:"claudeAiOauth"`
}

// WriteCredentialsCommand writes the bearer token to the CLI's credentials
// file with owner-only permissions. A zero expiry falls back to thirty days
// out so a missing timestamp never produces an instantly-expired file.
func WriteCredentialsCommand(authToken string, expiresAt time.Time) string {
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(30 * 24 * time.Hour)
	}
	var f credentialsFile
	f.ClaudeAIOauth.AccessToken = authToken
	f.ClaudeAIOauth.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
	f.ClaudeAIOauth.Scopes = []string{"user:inference", "user:profile"}
	f.ClaudeAIOauth.SubscriptionType = "max"
	payload, _ := json.MarshalIndent(f, "", "  ")
	return fmt.Sprintf("mkdir -p ~/.claude && echo '%s' | base64 -d > ~/.claude/.credentials.json && chmod 600 ~/.claude/.credentials.json", encode(string(payload)))
}

// WriteMachineConfigCommand writes the machine identity file the in-VM
// tooling reads to know which instance it is.
func WriteMachineConfigCommand(machineName, instanceID string) string {
	cfg, _ := json.Marshal(map[string]string{
		"machine_name": machineName,
		"instance_id":  instanceID,
	})
	return fmt.Sprintf("echo '%s' > %s/config.json", cfg, WorkDir)
}

// StartSyncAgentCommand starts the background agent that mirrors assistant
// transcripts into the store, scoped to one iteration.
func StartSyncAgentCommand(iterationID string) string {
	return fmt.Sprintf("pm2 start 'CLOUD_CODE_ITERATION_ID=%s doppler run -- claude-sync sync' --name claude-sync --no-autorestart", iterationID)
}

// SettleCommand gives the sync agent a moment to attach before the session
// starts producing output.
func SettleCommand() string {
	return "sleep 3"
}

// NormalizeSessionName makes a session label safe for use as a process
// name.
func NormalizeSessionName(name string) string {
	return nameSanitizer.ReplaceAllString(name, "-")
}

// ContinuationSessionName numbers a fresh session label from the count of
// sessions the iteration already has.
func ContinuationSessionName(existingSessions int) string {
	return fmt.Sprintf("%s-%d", SessionPrefix, existingSessions+1)
}

// SessionOptions configures a StartSessionCommand.
type SessionOptions struct {
	SessionName  string
	Prompt       string
	SystemPrompt string
	// ResumeUUID, when set, re-attaches the new process to a prior
	// session's saved transcript state. This is the whole continuity
	// mechanism: the CLI resumes from state keyed by this id, not from
	// anything held in the console.
	ResumeUUID string
	Model      string
}

// StartSessionCommand starts a conversational assistant process under pm2.
func StartSessionCommand(opts SessionOptions) string {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	resumeFlag := ""
	if opts.ResumeUUID != "" {
		resumeFlag = fmt.Sprintf("-r %s ", opts.ResumeUUID)
	}
	normalized := NormalizeSessionName(opts.SessionName)
	return fmt.Sprintf(
		`SESSION_NAME=%s pm2 start bash --name cc-%s --no-autorestart -- -c 'cd %s && echo "%s" | base64 -d | claude -p %s--dangerously-skip-permissions --output-format stream-json --verbose --model %s --append-system-prompt "$(echo "%s" | base64 -d)"'`,
		opts.SessionName, normalized, WorkDir, encode(opts.Prompt), resumeFlag, model, encode(opts.SystemPrompt),
	)
}
