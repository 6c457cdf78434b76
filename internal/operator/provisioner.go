package operator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swcompose/operator/internal/assistant"
	"github.com/swcompose/operator/internal/morph"
	"github.com/swcompose/operator/internal/store"
)

// Precondition errors surfaced before any provider call is made.
var (
	ErrNoSnapshot     = errors.New("operator: no snapshot selected")
	ErrNoSystemPrompt = errors.New("operator: no system prompt resolved for task")
)

// BootRequest describes a fresh VM boot for a task.
type BootRequest struct {
	TaskID      string
	Prompt      string
	MachineName string
	// SnapshotID must be selected explicitly; boot never picks a default.
	SnapshotID string
	// CredentialRef selects the token to provision. Boot proceeds without
	// assistant setup when no token resolves; expiry is not checked here.
	CredentialRef store.TokenRef
	Model         string
}

// Boot starts a compute instance from the requested snapshot and returns
// its id as soon as the provider assigns one. Provisioning (lineage
// persistence and assistant setup) continues in the background and never
// blocks or fails the returned boot: once the VM is up, infrastructure
// success is decoupled from assistant-setup success.
func (o *Operator) Boot(ctx context.Context, req BootRequest) (string, error) {
	if req.SnapshotID == "" {
		return "", ErrNoSnapshot
	}
	systemPrompt, err := o.prompts.ResolveForTask(ctx, req.TaskID)
	if err != nil {
		return "", fmt.Errorf("operator: resolving system prompt: %w", err)
	}
	if systemPrompt == "" {
		return "", ErrNoSystemPrompt
	}

	if err := o.transition(req.TaskID, PhaseBooting, PhaseIdle, PhaseFailed); err != nil {
		return "", err
	}

	// Token presence decides whether assistant setup runs. An expired token
	// is still used; expiry gating belongs to the UI layer.
	token, err := o.store.TokenFor(ctx, req.CredentialRef)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("token lookup failed, booting without assistant setup",
			"task", req.TaskID, "error", err)
	}

	inst, err := o.compute.Start(ctx, morph.StartOptions{
		SnapshotID: req.SnapshotID,
		TTLSeconds: o.cfg.VM.TTLSeconds,
		TTLAction:  morph.TTLAction(o.cfg.VM.TTLAction),
	})
	if err != nil {
		o.setPhase(req.TaskID, PhaseFailed)
		return "", fmt.Errorf("operator: starting instance: %w", err)
	}

	o.setTarget(req.TaskID, "", inst.ID)
	o.setPhase(req.TaskID, PhaseReady)
	o.emit(Event{Type: EventInstanceStarted, TaskID: req.TaskID, InstanceID: inst.ID})

	// The background chain outlives the request; only the provider's TTL
	// bounds it.
	bg := context.WithoutCancel(ctx)
	go o.provision(bg, req, inst.ID, systemPrompt, token)

	return inst.ID, nil
}

// provision persists lineage and, when a credential is available, runs the
// assistant setup chain. Failures are logged and recorded on the iteration;
// the booted VM and any records already written are kept for manual
// recovery.
func (o *Operator) provision(ctx context.Context, req BootRequest, instanceID, systemPrompt string, token *store.OAuthToken) {
	iterationID, err := o.persistLineage(ctx, req, instanceID)
	if err != nil {
		o.logger.Error("failed to persist iteration lineage",
			"task", req.TaskID, "instance", instanceID, "error", err)
		return
	}
	o.setTarget(req.TaskID, iterationID, instanceID)
	o.emit(Event{Type: EventLineageWritten, TaskID: req.TaskID, IterationID: iterationID, InstanceID: instanceID})

	if token == nil {
		o.logger.Warn("instance started without assistant credential",
			"task", req.TaskID, "instance", instanceID)
		o.emit(Event{Type: EventSetupSkipped, TaskID: req.TaskID, IterationID: iterationID, InstanceID: instanceID})
		return
	}

	steps := []struct {
		name    string
		command string
	}{
		{"write-credentials", assistant.WriteCredentialsCommand(token.AuthToken, token.ExpiresAt)},
		{"write-machine-config", assistant.WriteMachineConfigCommand(req.MachineName, instanceID)},
		{"start-sync-agent", assistant.StartSyncAgentCommand(iterationID)},
		{"settle", assistant.SettleCommand()},
		{"start-session", assistant.StartSessionCommand(assistant.SessionOptions{
			SessionName:  assistant.SessionPrefix,
			Prompt:       req.Prompt,
			SystemPrompt: systemPrompt,
			Model:        req.Model,
		})},
	}

	for _, step := range steps {
		if err := o.runSetupStep(ctx, req.TaskID, iterationID, instanceID, step.name, step.command); err != nil {
			// Stop the chain, keep the VM. No rollback: the instance stays
			// usable and the iteration stays queryable.
			o.markSetup(ctx, iterationID, store.SetupFailed)
			o.emit(Event{Type: EventSetupFailed, TaskID: req.TaskID, IterationID: iterationID, InstanceID: instanceID, Step: step.name, Err: err})
			return
		}
	}

	o.markSetup(ctx, iterationID, store.SetupComplete)
	o.emit(Event{Type: EventSetupComplete, TaskID: req.TaskID, IterationID: iterationID, InstanceID: instanceID})
}

func (o *Operator) runSetupStep(ctx context.Context, taskID, iterationID, instanceID, name, command string) error {
	results, err := o.compute.Exec(ctx, instanceID, []string{command})
	if err != nil {
		o.logger.Error("setup command failed", "task", taskID, "step", name, "error", err)
		return err
	}
	if len(results) > 0 && results[0].ExitCode != 0 {
		o.logger.Error("setup command exited nonzero",
			"task", taskID, "step", name, "exit", results[0].ExitCode, "stderr", results[0].Stderr)
		return fmt.Errorf("step %s exited %d", name, results[0].ExitCode)
	}
	o.emit(Event{Type: EventSetupStep, TaskID: taskID, IterationID: iterationID, InstanceID: instanceID, Step: name})
	return nil
}

// persistLineage writes the snapshot record (idempotently, keyed by
// external id), the instance record, and the new iteration with all its
// links in one atomic transaction. Partial application is never a visible
// state.
func (o *Operator) persistLineage(ctx context.Context, req BootRequest, instanceID string) (string, error) {
	iterationID := o.store.NewID()
	morphInstanceID := o.store.NewID()
	snapshotLookup := store.Lookup{Attr: "externalMorphSnapshotId", Value: req.SnapshotID}

	ops := []store.Op{
		{
			Entity: store.EntityMorphSnapshots,
			Lookup: &snapshotLookup,
			Set:    map[string]any{"externalMorphSnapshotId": req.SnapshotID},
		},
		{
			Entity: store.EntityMorphInstances,
			ID:     morphInstanceID,
			Set:    map[string]any{"externalMorphInstanceId": instanceID},
		},
		{
			Entity: store.EntityIterations,
			ID:     iterationID,
			Set: map[string]any{
				"machineName":          req.MachineName,
				"lastSessionMessageAt": time.Now(),
				"setupStatus":          store.SetupPending,
			},
			Links: map[string]any{
				"task":            req.TaskID,
				"initialSnapshot": snapshotLookup,
				"latestSnapshot":  snapshotLookup,
				"activeInstance":  morphInstanceID,
			},
		},
	}
	if err := o.store.Transact(ctx, ops); err != nil {
		return "", err
	}
	return iterationID, nil
}

func (o *Operator) markSetup(ctx context.Context, iterationID, status string) {
	err := o.store.Transact(ctx, []store.Op{{
		Entity: store.EntityIterations,
		ID:     iterationID,
		Set:    map[string]any{"setupStatus": status},
	}})
	if err != nil {
		o.logger.Error("failed to record setup status",
			"iteration", iterationID, "status", status, "error", err)
	}
}
