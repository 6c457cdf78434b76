package operator

import (
	"errors"
	"fmt"
)

// Phase is the per-task orchestration state. Transitions are guarded: a
// boot can only begin from idle or failed, so a second boot attempt while
// one is in flight is rejected rather than racing.
type Phase string

// Task phases.
const (
	PhaseIdle      Phase = "idle"
	PhaseResolving Phase = "resolving"
	PhaseBooting   Phase = "booting"
	PhaseReady     Phase = "ready"
	PhaseFailed    Phase = "failed"
)

// ErrBootInFlight is returned when a boot is requested for a task that is
// already resolving or booting.
var ErrBootInFlight = errors.New("operator: boot already in flight for task")

type taskState struct {
	phase       Phase
	instanceID  string
	iterationID string

	awaiting bool
	// last observed conversation shape, used to clear awaiting only when
	// new data actually appears.
	seenSessions int
	seenMessages int
}

func (o *Operator) state(taskID string) *taskState {
	if st, ok := o.tasks[taskID]; ok {
		return st
	}
	st := &taskState{phase: PhaseIdle}
	o.tasks[taskID] = st
	return st
}

// TaskPhase reports the current phase for a task.
func (o *Operator) TaskPhase(taskID string) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state(taskID).phase
}

// transition moves a task from one of the allowed phases to next, returning
// an error naming the offending phase otherwise.
func (o *Operator) transition(taskID string, next Phase, allowed ...Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state(taskID)
	for _, a := range allowed {
		if st.phase == a {
			st.phase = next
			return nil
		}
	}
	if next == PhaseBooting || next == PhaseResolving {
		return fmt.Errorf("%w (phase %s)", ErrBootInFlight, st.phase)
	}
	return fmt.Errorf("operator: invalid transition %s -> %s for task %s", st.phase, next, taskID)
}

// setPhase moves a task unconditionally; used for settling into terminal
// outcomes from flows that already hold the guarded transition.
func (o *Operator) setPhase(taskID string, p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state(taskID).phase = p
}

func (o *Operator) setTarget(taskID, iterationID, instanceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state(taskID)
	if iterationID != "" {
		st.iterationID = iterationID
	}
	if instanceID != "" {
		st.instanceID = instanceID
	}
}

// Target returns the iteration and instance the task is currently bound to.
func (o *Operator) Target(taskID string) (iterationID, instanceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state(taskID)
	return st.iterationID, st.instanceID
}
