package operator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/swcompose/operator/internal/config"
	"github.com/swcompose/operator/internal/morph"
	"github.com/swcompose/operator/internal/store"
	"github.com/swcompose/operator/internal/store/memstore"
)

// staticResolver satisfies SystemPromptResolver with a fixed answer.
type staticResolver struct {
	text string
	err  error
}

func (r staticResolver) ResolveForTask(context.Context, string) (string, error) {
	return r.text, r.err
}

func newTestOperator(t *testing.T, st store.Store, compute Compute) *Operator {
	t.Helper()
	cfg := config.Default()
	return New(st, compute, staticResolver{text: "you are a helpful operator"}, cfg)
}

// collectEvents registers a buffered listener so tests can wait on the
// background provisioning chain.
func collectEvents(o *Operator) <-chan Event {
	ch := make(chan Event, 64)
	o.OnEvent(func(ev Event) { ch <- ev })
	return ch
}

func waitForEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func seedToken(t *testing.T, st store.Store, expiresAt time.Time) {
	t.Helper()
	err := st.Transact(context.Background(), []store.Op{{
		Entity: store.EntityOAuthTokens,
		ID:     st.NewID(),
		Set: map[string]any{
			"provider":     "anthropic",
			"authToken":    "tok-abc",
			"refreshToken": "ref-abc",
			"expiresAt":    expiresAt,
		},
	}})
	require.NoError(t, err)
}

func TestBootRequiresSnapshot(t *testing.T) {
	ctrl := gomock.NewController(t)
	op := newTestOperator(t, memstore.New(), NewMockCompute(ctrl))

	_, err := op.Boot(context.Background(), BootRequest{TaskID: "task-1", Prompt: "hi"})
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestBootRequiresSystemPrompt(t *testing.T) {
	ctrl := gomock.NewController(t)
	op := New(memstore.New(), NewMockCompute(ctrl), staticResolver{}, config.Default())

	_, err := op.Boot(context.Background(), BootRequest{
		TaskID:     "task-1",
		Prompt:     "hi",
		SnapshotID: "snap-1",
	})
	require.ErrorIs(t, err, ErrNoSystemPrompt)
}

func TestBootProvisionsLineageAndRunsSetup(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	seedToken(t, st, time.Now().Add(time.Hour))
	op := newTestOperator(t, st, compute)
	events := collectEvents(op)

	compute.EXPECT().
		Start(gomock.Any(), morph.StartOptions{
			SnapshotID: "snap-1",
			TTLSeconds: config.DefaultVMTTLSeconds,
			TTLAction:  morph.TTLPause,
		}).
		Return(&morph.Instance{ID: "inst_1", RawStatus: "pending"}, nil)
	compute.EXPECT().
		Exec(gomock.Any(), "inst_1", gomock.Any()).
		Return([]morph.ExecResult{{ExitCode: 0}}, nil).
		Times(5)

	instanceID, err := op.Boot(context.Background(), BootRequest{
		TaskID:      "task-1",
		Prompt:      "build me a todo app",
		MachineName: "brave-teal-fox",
		SnapshotID:  "snap-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "inst_1", instanceID)
	assert.Equal(t, PhaseReady, op.TaskPhase("task-1"))

	waitForEvent(t, events, EventSetupComplete)

	refs, err := st.TaskIterations(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "inst_1", refs[0].ExternalInstanceID)
	assert.Equal(t, store.SetupComplete, refs[0].SetupStatus)

	iterationID, boundInstance := op.Target("task-1")
	assert.Equal(t, refs[0].IterationID, iterationID)
	assert.Equal(t, "inst_1", boundInstance)
}

func TestBootWithoutCredentialSkipsSetup(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	op := newTestOperator(t, st, compute)
	events := collectEvents(op)

	compute.EXPECT().
		Start(gomock.Any(), gomock.Any()).
		Return(&morph.Instance{ID: "inst_1", RawStatus: "pending"}, nil)
	// No Exec calls: without a credential the assistant setup chain must not
	// run, but the VM boots and lineage is still written.

	_, err := op.Boot(context.Background(), BootRequest{
		TaskID:     "task-1",
		Prompt:     "hi",
		SnapshotID: "snap-1",
	})
	require.NoError(t, err)

	waitForEvent(t, events, EventSetupSkipped)

	refs, err := st.TaskIterations(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, store.SetupPending, refs[0].SetupStatus)
}

func TestBootRejectedWhileTaskIsActive(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	op := newTestOperator(t, st, compute)
	events := collectEvents(op)

	compute.EXPECT().
		Start(gomock.Any(), gomock.Any()).
		Return(&morph.Instance{ID: "inst_1", RawStatus: "pending"}, nil)

	_, err := op.Boot(context.Background(), BootRequest{TaskID: "task-1", Prompt: "hi", SnapshotID: "snap-1"})
	require.NoError(t, err)
	waitForEvent(t, events, EventSetupSkipped)

	_, err = op.Boot(context.Background(), BootRequest{TaskID: "task-1", Prompt: "hi", SnapshotID: "snap-1"})
	require.ErrorIs(t, err, ErrBootInFlight)
}

func TestBootProviderFailureAllowsRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	op := newTestOperator(t, st, compute)

	compute.EXPECT().
		Start(gomock.Any(), gomock.Any()).
		Return(nil, assert.AnError)
	compute.EXPECT().
		Start(gomock.Any(), gomock.Any()).
		Return(&morph.Instance{ID: "inst_2", RawStatus: "pending"}, nil)

	_, err := op.Boot(context.Background(), BootRequest{TaskID: "task-1", Prompt: "hi", SnapshotID: "snap-1"})
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, op.TaskPhase("task-1"))

	instanceID, err := op.Boot(context.Background(), BootRequest{TaskID: "task-1", Prompt: "hi", SnapshotID: "snap-1"})
	require.NoError(t, err)
	assert.Equal(t, "inst_2", instanceID)
}

func TestSetupFailureKeepsInstanceAndIteration(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	seedToken(t, st, time.Now().Add(time.Hour))
	op := newTestOperator(t, st, compute)
	events := collectEvents(op)

	compute.EXPECT().
		Start(gomock.Any(), gomock.Any()).
		Return(&morph.Instance{ID: "inst_1", RawStatus: "pending"}, nil)
	// First setup command fails; the chain stops and the VM is never
	// stopped or rolled back.
	compute.EXPECT().
		Exec(gomock.Any(), "inst_1", gomock.Any()).
		Return([]morph.ExecResult{{ExitCode: 1, Stderr: "no space left"}}, nil)

	_, err := op.Boot(context.Background(), BootRequest{TaskID: "task-1", Prompt: "hi", SnapshotID: "snap-1"})
	require.NoError(t, err)

	ev := waitForEvent(t, events, EventSetupFailed)
	assert.Equal(t, "write-credentials", ev.Step)

	refs, err := st.TaskIterations(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, store.SetupFailed, refs[0].SetupStatus)
	assert.Equal(t, "inst_1", refs[0].ExternalInstanceID)
}

func TestExpiredCredentialStillBoots(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	seedToken(t, st, time.Now().Add(-time.Hour))
	op := newTestOperator(t, st, compute)
	events := collectEvents(op)

	compute.EXPECT().
		Start(gomock.Any(), gomock.Any()).
		Return(&morph.Instance{ID: "inst_1", RawStatus: "pending"}, nil)
	compute.EXPECT().
		Exec(gomock.Any(), "inst_1", gomock.Any()).
		Return([]morph.ExecResult{{ExitCode: 0}}, nil).
		Times(5)

	_, err := op.Boot(context.Background(), BootRequest{TaskID: "task-1", Prompt: "hi", SnapshotID: "snap-1"})
	require.NoError(t, err)
	waitForEvent(t, events, EventSetupComplete)
}

func TestSetupStepsRunInProvisioningOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	seedToken(t, st, time.Now().Add(time.Hour))
	op := newTestOperator(t, st, compute)
	events := collectEvents(op)

	var commands []string
	compute.EXPECT().
		Start(gomock.Any(), gomock.Any()).
		Return(&morph.Instance{ID: "inst_1", RawStatus: "pending"}, nil)
	compute.EXPECT().
		Exec(gomock.Any(), "inst_1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, cmds []string) ([]morph.ExecResult, error) {
			commands = append(commands, cmds...)
			return []morph.ExecResult{{ExitCode: 0}}, nil
		}).
		Times(5)

	_, err := op.Boot(context.Background(), BootRequest{
		TaskID:      "task-1",
		Prompt:      "hello",
		MachineName: "calm-blue-otter",
		SnapshotID:  "snap-1",
	})
	require.NoError(t, err)
	waitForEvent(t, events, EventSetupComplete)

	require.Len(t, commands, 5)
	assert.Contains(t, commands[0], ".claude/.credentials.json")
	assert.Contains(t, commands[0], "chmod 600")
	assert.Contains(t, commands[1], "config.json")
	assert.Contains(t, commands[2], "claude-sync")
	assert.Equal(t, "sleep 3", commands[3])
	assert.Contains(t, commands[4], "claude -p")
	assert.True(t, strings.Contains(commands[2], "CLOUD_CODE_ITERATION_ID="))
}
