// Package store defines the contract the operator console requires from its
// persistent document store: atomic multi-record writes with link semantics,
// point-in-time graph reads, and locally generated ids.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point reads when no entity matches.
var ErrNotFound = errors.New("store: entity not found")

// Entity type names. These match the attribute namespaces the hosted store
// was provisioned with; both implementations validate against them.
const (
	EntityTasks          = "tasks"
	EntityIterations     = "iterations"
	EntitySessions       = "sessions"
	EntityMessages       = "messages"
	EntityMessageParts   = "messageParts"
	EntityMorphSnapshots = "morphSnapshots"
	EntityMorphInstances = "morphInstances"
	EntityPrompts        = "prompts"
	EntityPromptVersions = "promptVersions"
	EntityPromptForks    = "promptForks"
	EntityOAuthTokens    = "oauthTokens"
	EntityUserProfiles   = "userProfiles"
)

// Lookup addresses an entity by a unique attribute instead of an id. A write
// op using a Lookup is an upsert: if a record with that attribute value
// exists it is updated, otherwise one is created. This is what keeps
// snapshot registration idempotent across repeated boots.
type Lookup struct {
	Attr  string
	Value string
}

// Op is one write in a transaction: set attributes on an entity (created if
// absent) and optionally link it to other entities by relationship label.
// Link targets are either entity id strings or Lookups.
type Op struct {
	Entity string
	ID     string
	Lookup *Lookup
	Set    map[string]any
	Links  map[string]any
}

// Resolved pairs an iteration with the external compute id of its active
// instance, as returned by TaskIterations.
type IterationRef struct {
	IterationID        string
	CreatedAt          time.Time
	ExternalInstanceID string
	SetupStatus        string
}

// TokenRef selects a credential: a specific token id, or empty to fall back
// to any stored token for the provider.
type TokenRef struct {
	TokenID   string
	UserEmail string
}

// Store is the persistence contract. Transact applies all ops atomically or
// none of them. Queries are point-in-time reads resolving nested links in a
// single round trip. NewID generates a globally unique id client-side so
// records can be linked before the server confirms the write.
type Store interface {
	NewID() string
	Transact(ctx context.Context, ops []Op) error

	GetTask(ctx context.Context, taskID string) (*Task, error)
	// TaskIterations returns the task's iterations with active-instance
	// links resolved, newest first.
	TaskIterations(ctx context.Context, taskID string) ([]IterationRef, error)
	// Conversation returns the full session graph for a task's most recent
	// iteration. Returns an empty conversation (not ErrNotFound) when the
	// task has no iterations yet.
	Conversation(ctx context.Context, taskID string) (*ConversationGraph, error)

	TokenFor(ctx context.Context, ref TokenRef) (*OAuthToken, error)

	GetPrompt(ctx context.Context, promptID string) (*Prompt, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	// TaskSystemPrompt resolves the prompt/version selection for a task.
	// Either pointer may be nil when nothing is selected.
	TaskSystemPrompt(ctx context.Context, taskID string) (*Prompt, *PromptVersion, error)
}

// Snapshot is one emission of a watched query.
type Snapshot[T any] struct {
	Data T
	Err  error
	At   time.Time
}

// Watch polls fn at the given interval and sends each result on the returned
// channel until ctx is done. Every emission is recomputed from scratch;
// consumers must derive state idempotently from the latest snapshot rather
// than accumulate deltas.
func Watch[T any](ctx context.Context, interval time.Duration, fn func(context.Context) (T, error)) <-chan Snapshot[T] {
	ch := make(chan Snapshot[T], 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			data, err := fn(ctx)
			select {
			case ch <- Snapshot[T]{Data: data, Err: err, At: time.Now()}:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
