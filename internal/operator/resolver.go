package operator

import (
	"context"
	"fmt"
)

// Resolved identifies an existing live VM a task can reuse.
type Resolved struct {
	IterationID string
	InstanceID  string
}

// ResolveExisting answers whether the task already has a usable, live VM
// instance. It selects the task's most recently created iteration, resolves
// its active-instance link, and confirms with the compute provider that the
// instance is still starting or running. A nil result means the caller
// should boot fresh.
//
// Provider lookup failures are treated as "no existing instance": logged,
// never surfaced. A flaky lookup can cost an extra boot but never strands
// the user. Concurrent calls for the same task collapse into a single
// flight.
func (o *Operator) ResolveExisting(ctx context.Context, taskID string) (*Resolved, error) {
	v, err, _ := o.resolveGroup.Do(taskID, func() (any, error) {
		return o.resolveExisting(ctx, taskID)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Resolved)
	if res == nil {
		return nil, nil
	}
	return res, nil
}

func (o *Operator) resolveExisting(ctx context.Context, taskID string) (*Resolved, error) {
	if err := o.transition(taskID, PhaseResolving, PhaseIdle, PhaseFailed, PhaseReady); err != nil {
		return nil, err
	}

	refs, err := o.store.TaskIterations(ctx, taskID)
	if err != nil {
		o.setPhase(taskID, PhaseIdle)
		return nil, fmt.Errorf("operator: querying iterations for task %s: %w", taskID, err)
	}
	if len(refs) == 0 || refs[0].ExternalInstanceID == "" {
		o.setPhase(taskID, PhaseIdle)
		o.emit(Event{Type: EventResolveMiss, TaskID: taskID})
		return (*Resolved)(nil), nil
	}

	// Newest iteration wins; older iterations are history, not candidates.
	newest := refs[0]
	inst, err := o.compute.Get(ctx, newest.ExternalInstanceID)
	if err != nil {
		// Fail open: a dead or unknown instance means a fresh boot, not an
		// error the caller has to handle.
		o.logger.Info("existing instance not reusable",
			"task", taskID, "instance", newest.ExternalInstanceID, "error", err)
		o.setPhase(taskID, PhaseIdle)
		o.emit(Event{Type: EventResolveMiss, TaskID: taskID, InstanceID: newest.ExternalInstanceID})
		return (*Resolved)(nil), nil
	}
	if !inst.Status().Live() {
		o.logger.Info("existing instance is not live",
			"task", taskID, "instance", inst.ID, "status", inst.Status())
		o.setPhase(taskID, PhaseIdle)
		o.emit(Event{Type: EventResolveMiss, TaskID: taskID, InstanceID: inst.ID})
		return (*Resolved)(nil), nil
	}

	o.setTarget(taskID, newest.IterationID, inst.ID)
	o.setPhase(taskID, PhaseReady)
	o.emit(Event{Type: EventResolveHit, TaskID: taskID, IterationID: newest.IterationID, InstanceID: inst.ID})
	return &Resolved{IterationID: newest.IterationID, InstanceID: inst.ID}, nil
}
