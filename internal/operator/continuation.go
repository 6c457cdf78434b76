package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/swcompose/operator/internal/assistant"
	"github.com/swcompose/operator/internal/store"
)

// SendRequest routes one user message into an assistant session.
type SendRequest struct {
	TaskID     string
	InstanceID string
	// SessionID optionally pins the resume target; when empty the session
	// with the most recent activity is used.
	SessionID string
	Text      string
	Model     string
}

// Conversation returns the task's current conversation graph and updates
// the awaiting-response latch: the latch clears only when new sessions or
// messages are actually observed, never on a timer.
func (o *Operator) Conversation(ctx context.Context, taskID string) (*store.ConversationGraph, error) {
	graph, err := o.store.Conversation(ctx, taskID)
	if err != nil {
		return nil, err
	}
	o.observe(taskID, graph)
	return graph, nil
}

func (o *Operator) observe(taskID string, graph *store.ConversationGraph) {
	sessions := len(graph.Sessions)
	messages := 0
	for _, s := range graph.Sessions {
		messages += len(s.Messages)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state(taskID)
	if st.awaiting && (sessions > st.seenSessions || messages > st.seenMessages) {
		st.awaiting = false
	}
	st.seenSessions = sessions
	st.seenMessages = messages
}

// Awaiting reports whether the task is waiting on an assistant response.
func (o *Operator) Awaiting(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state(taskID).awaiting
}

// CancelAwait explicitly clears the awaiting-response latch.
func (o *Operator) CancelAwait(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state(taskID).awaiting = false
}

// Send resumes the target session with a fresh assistant process carrying
// the user's message. Continuity comes from the resume flag: the assistant
// CLI reloads the prior session's transcript by its external id. When the
// task has no instance or no resolvable session yet, Send is a no-op; the
// conversation is not ready for input.
func (o *Operator) Send(ctx context.Context, req SendRequest) error {
	if req.InstanceID == "" {
		o.logger.Debug("send skipped, no instance", "task", req.TaskID)
		return nil
	}
	graph, err := o.store.Conversation(ctx, req.TaskID)
	if err != nil {
		return fmt.Errorf("operator: loading conversation: %w", err)
	}

	var target *store.Session
	if req.SessionID != "" {
		target = graph.FindSession(req.SessionID)
	} else {
		target = graph.LatestSession()
	}
	if target == nil {
		o.logger.Debug("send skipped, no resolvable session", "task", req.TaskID)
		return nil
	}

	systemPrompt, err := o.prompts.ResolveForTask(ctx, req.TaskID)
	if err != nil {
		return fmt.Errorf("operator: resolving system prompt: %w", err)
	}

	command := assistant.StartSessionCommand(assistant.SessionOptions{
		SessionName:  assistant.ContinuationSessionName(len(graph.Sessions)),
		Prompt:       req.Text,
		SystemPrompt: systemPrompt,
		ResumeUUID:   target.ExternalUUID,
		Model:        req.Model,
	})

	results, err := o.compute.Exec(ctx, req.InstanceID, []string{command})
	if err != nil {
		return fmt.Errorf("operator: could not reach instance %s: %w", req.InstanceID, err)
	}
	if len(results) > 0 && results[0].ExitCode != 0 {
		return fmt.Errorf("operator: session command exited %d: %s", results[0].ExitCode, results[0].Stderr)
	}

	o.mu.Lock()
	o.state(req.TaskID).awaiting = true
	o.mu.Unlock()

	if err := o.store.Transact(ctx, []store.Op{{
		Entity: store.EntityTasks,
		ID:     req.TaskID,
		Set:    map[string]any{"lastMessageAt": time.Now()},
	}}); err != nil {
		o.logger.Warn("failed to bump task last-message time", "task", req.TaskID, "error", err)
	}

	o.emit(Event{Type: EventMessageSent, TaskID: req.TaskID, InstanceID: req.InstanceID,
		Details: map[string]any{"resumed_from": target.ExternalUUID}})
	return nil
}

// WatchConversation polls the conversation at the configured interval and
// emits recomputed snapshots until ctx is done. Each snapshot passes through
// the same observation path as Conversation, so the awaiting latch and
// session auto-switch behave identically for pollers.
func (o *Operator) WatchConversation(ctx context.Context, taskID string) <-chan store.Snapshot[*store.ConversationGraph] {
	return store.Watch(ctx, o.cfg.PollInterval, func(ctx context.Context) (*store.ConversationGraph, error) {
		return o.Conversation(ctx, taskID)
	})
}
