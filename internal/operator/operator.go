// Package operator implements the VM session lifecycle: deciding whether a
// task gets a fresh VM or reuses a live one, provisioning new instances with
// credentials and an initial assistant session, routing conversation
// continuations to the right prior session, and exposing lifecycle controls.
package operator

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/swcompose/operator/internal/config"
	"github.com/swcompose/operator/internal/morph"
	"github.com/swcompose/operator/internal/store"
)

// Compute is the slice of the compute provider the operator consumes.
// *morph.Client satisfies it; tests use a generated mock.
type Compute interface {
	Start(ctx context.Context, opts morph.StartOptions) (*morph.Instance, error)
	Get(ctx context.Context, instanceID string) (*morph.Instance, error)
	Stop(ctx context.Context, instanceID string) error
	Pause(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) error
	Exec(ctx context.Context, instanceID string, commands []string) ([]morph.ExecResult, error)
	CreateSnapshot(ctx context.Context, instanceID string, metadata map[string]string) (*morph.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]morph.Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// SystemPromptResolver produces the resolved system-prompt text for a task.
type SystemPromptResolver interface {
	ResolveForTask(ctx context.Context, taskID string) (string, error)
}

// EventType tags a structured lifecycle event.
type EventType string

// Event types emitted across the boot and continuation flows.
const (
	EventResolveHit      EventType = "resolve_hit"
	EventResolveMiss     EventType = "resolve_miss"
	EventInstanceStarted EventType = "instance_started"
	EventLineageWritten  EventType = "lineage_written"
	EventSetupStep       EventType = "setup_step"
	EventSetupComplete   EventType = "setup_complete"
	EventSetupFailed     EventType = "setup_failed"
	EventSetupSkipped    EventType = "setup_skipped"
	EventMessageSent     EventType = "message_sent"
)

// Event is one structured lifecycle update.
type Event struct {
	Type        EventType
	TaskID      string
	IterationID string
	InstanceID  string
	Step        string
	Err         error
	Details     map[string]any
}

// EventListener receives lifecycle events.
type EventListener func(Event)

// Operator orchestrates VM sessions for tasks.
type Operator struct {
	store   store.Store
	compute Compute
	prompts SystemPromptResolver
	cfg     *config.Config
	logger  *slog.Logger

	// resolveGroup collapses concurrent resolutions for the same task into
	// one provider round trip.
	resolveGroup singleflight.Group

	mu     sync.Mutex
	tasks  map[string]*taskState
	evMu   sync.Mutex
	events []EventListener
}

// Option configures an Operator.
type Option func(*Operator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Operator) { o.logger = l }
}

// New creates an Operator over the given collaborators.
func New(st store.Store, compute Compute, prompts SystemPromptResolver, cfg *config.Config, opts ...Option) *Operator {
	o := &Operator{
		store:   st,
		compute: compute,
		prompts: prompts,
		cfg:     cfg,
		logger:  slog.Default(),
		tasks:   make(map[string]*taskState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnEvent registers a lifecycle event listener.
func (o *Operator) OnEvent(l EventListener) {
	o.evMu.Lock()
	defer o.evMu.Unlock()
	o.events = append(o.events, l)
}

func (o *Operator) emit(ev Event) {
	o.evMu.Lock()
	listeners := make([]EventListener, len(o.events))
	copy(listeners, o.events)
	o.evMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}
