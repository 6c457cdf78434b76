package operator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/swcompose/operator/internal/morph"
	"github.com/swcompose/operator/internal/store"
	"github.com/swcompose/operator/internal/store/memstore"
)

type seededSession struct {
	id            string
	externalUUID  string
	name          string
	createdAt     time.Time
	lastMessageAt time.Time
}

// seedConversation builds a task with one iteration and the given sessions.
func seedConversation(t *testing.T, st store.Store, taskID string, sessions []seededSession) string {
	t.Helper()
	iterationID := seedIteration(t, st, taskID, "inst_1")
	for _, sess := range sessions {
		err := st.Transact(context.Background(), []store.Op{{
			Entity: store.EntitySessions,
			ID:     sess.id,
			Set: map[string]any{
				"externalUuid":  sess.externalUUID,
				"sessionName":   sess.name,
				"createdAt":     sess.createdAt,
				"lastMessageAt": sess.lastMessageAt,
			},
			Links: map[string]any{"iterations": iterationID},
		}})
		require.NoError(t, err)
	}
	return iterationID
}

func addMessage(t *testing.T, st store.Store, sessionID, role string, at time.Time) {
	t.Helper()
	err := st.Transact(context.Background(), []store.Op{{
		Entity: store.EntityMessages,
		ID:     st.NewID(),
		Set:    map[string]any{"role": role, "createdAt": at},
		Links:  map[string]any{"session": sessionID},
	}})
	require.NoError(t, err)
}

func TestSendWithoutInstanceIsNoOp(t *testing.T) {
	ctrl := gomock.NewController(t)
	op := newTestOperator(t, memstore.New(), NewMockCompute(ctrl))

	err := op.Send(context.Background(), SendRequest{TaskID: "task-1", Text: "hello"})
	require.NoError(t, err)
	assert.False(t, op.Awaiting("task-1"))
}

func TestSendWithoutSessionIsNoOp(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := memstore.New()
	op := newTestOperator(t, st, NewMockCompute(ctrl))
	seedConversation(t, st, "task-1", nil)

	err := op.Send(context.Background(), SendRequest{
		TaskID:     "task-1",
		InstanceID: "inst_1",
		Text:       "hello",
	})
	require.NoError(t, err)
	assert.False(t, op.Awaiting("task-1"))
}

func TestSendResumesMostRecentlyActiveSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	op := newTestOperator(t, st, compute)

	base := time.Now().Add(-time.Hour)
	seedConversation(t, st, "task-1", []seededSession{
		{id: "sess-1", externalUUID: "ext-aaa", name: "operator-main", createdAt: base, lastMessageAt: base.Add(10 * time.Minute)},
		{id: "sess-2", externalUUID: "ext-bbb", name: "operator-main-2", createdAt: base.Add(5 * time.Minute), lastMessageAt: base.Add(30 * time.Minute)},
	})

	var command string
	compute.EXPECT().
		Exec(gomock.Any(), "inst_1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, cmds []string) ([]morph.ExecResult, error) {
			require.Len(t, cmds, 1)
			command = cmds[0]
			return []morph.ExecResult{{ExitCode: 0}}, nil
		})

	err := op.Send(context.Background(), SendRequest{
		TaskID:     "task-1",
		InstanceID: "inst_1",
		Text:       "keep going",
	})
	require.NoError(t, err)

	// sess-2 had the most recent activity, so its external id is the resume
	// target, and the new process is numbered after the two existing sessions.
	assert.Contains(t, command, "-r ext-bbb")
	assert.Contains(t, command, "operator-main-3")
	assert.True(t, op.Awaiting("task-1"))

	task, err := st.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.False(t, task.LastMessageAt.IsZero())
}

func TestSendHonorsExplicitSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	op := newTestOperator(t, st, compute)

	base := time.Now().Add(-time.Hour)
	seedConversation(t, st, "task-1", []seededSession{
		{id: "sess-1", externalUUID: "ext-aaa", name: "operator-main", createdAt: base, lastMessageAt: base.Add(10 * time.Minute)},
		{id: "sess-2", externalUUID: "ext-bbb", name: "operator-main-2", createdAt: base.Add(5 * time.Minute), lastMessageAt: base.Add(30 * time.Minute)},
	})

	var command string
	compute.EXPECT().
		Exec(gomock.Any(), "inst_1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, cmds []string) ([]morph.ExecResult, error) {
			command = cmds[0]
			return []morph.ExecResult{{ExitCode: 0}}, nil
		})

	err := op.Send(context.Background(), SendRequest{
		TaskID:     "task-1",
		InstanceID: "inst_1",
		SessionID:  "sess-1",
		Text:       "back to the older thread",
	})
	require.NoError(t, err)
	assert.Contains(t, command, "-r ext-aaa")
}

func TestSendSurfacesCommandFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	op := newTestOperator(t, st, compute)

	base := time.Now()
	seedConversation(t, st, "task-1", []seededSession{
		{id: "sess-1", externalUUID: "ext-aaa", name: "operator-main", createdAt: base, lastMessageAt: base},
	})

	compute.EXPECT().
		Exec(gomock.Any(), "inst_1", gomock.Any()).
		Return([]morph.ExecResult{{ExitCode: 127, Stderr: "pm2: not found"}}, nil)

	err := op.Send(context.Background(), SendRequest{
		TaskID:     "task-1",
		InstanceID: "inst_1",
		Text:       "hello",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 127")
	assert.False(t, op.Awaiting("task-1"))
}

func TestAwaitingClearsOnlyWhenNewDataArrives(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	op := newTestOperator(t, st, compute)

	base := time.Now().Add(-time.Hour)
	seedConversation(t, st, "task-1", []seededSession{
		{id: "sess-1", externalUUID: "ext-aaa", name: "operator-main", createdAt: base, lastMessageAt: base},
	})
	addMessage(t, st, "sess-1", store.RoleUser, base)

	// Prime the observed counts before sending.
	_, err := op.Conversation(context.Background(), "task-1")
	require.NoError(t, err)

	compute.EXPECT().
		Exec(gomock.Any(), "inst_1", gomock.Any()).
		Return([]morph.ExecResult{{ExitCode: 0}}, nil)
	require.NoError(t, op.Send(context.Background(), SendRequest{
		TaskID:     "task-1",
		InstanceID: "inst_1",
		Text:       "hello",
	}))
	require.True(t, op.Awaiting("task-1"))

	// Same data again: still waiting.
	_, err = op.Conversation(context.Background(), "task-1")
	require.NoError(t, err)
	assert.True(t, op.Awaiting("task-1"))

	// A new assistant message clears the latch.
	addMessage(t, st, "sess-1", store.RoleAssistant, base.Add(time.Minute))
	_, err = op.Conversation(context.Background(), "task-1")
	require.NoError(t, err)
	assert.False(t, op.Awaiting("task-1"))
}

func TestCancelAwaitClearsLatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	compute := NewMockCompute(ctrl)
	st := memstore.New()
	op := newTestOperator(t, st, compute)

	base := time.Now()
	seedConversation(t, st, "task-1", []seededSession{
		{id: "sess-1", externalUUID: "ext-aaa", name: "operator-main", createdAt: base, lastMessageAt: base},
	})

	compute.EXPECT().
		Exec(gomock.Any(), "inst_1", gomock.Any()).
		Return([]morph.ExecResult{{ExitCode: 0}}, nil)
	require.NoError(t, op.Send(context.Background(), SendRequest{
		TaskID:     "task-1",
		InstanceID: "inst_1",
		Text:       "hello",
	}))
	require.True(t, op.Awaiting("task-1"))

	op.CancelAwait("task-1")
	assert.False(t, op.Awaiting("task-1"))
}

func TestConversationOrdersMessagesAcrossSessions(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := memstore.New()
	op := newTestOperator(t, st, NewMockCompute(ctrl))

	base := time.Now().Add(-time.Hour)
	seedConversation(t, st, "task-1", []seededSession{
		{id: "sess-1", externalUUID: "ext-aaa", name: "operator-main", createdAt: base, lastMessageAt: base.Add(20 * time.Minute)},
		{id: "sess-2", externalUUID: "ext-bbb", name: "operator-main-2", createdAt: base.Add(10 * time.Minute), lastMessageAt: base.Add(40 * time.Minute)},
	})
	// Interleaved: sess-2's first message lands between sess-1's two.
	addMessage(t, st, "sess-1", store.RoleUser, base.Add(1*time.Minute))
	addMessage(t, st, "sess-2", store.RoleUser, base.Add(15*time.Minute))
	addMessage(t, st, "sess-1", store.RoleAssistant, base.Add(20*time.Minute))

	graph, err := op.Conversation(context.Background(), "task-1")
	require.NoError(t, err)

	msgs := graph.AllMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "sess-1", msgs[0].SessionID)
	assert.Equal(t, "sess-2", msgs[1].SessionID)
	assert.Equal(t, "sess-1", msgs[2].SessionID)

	// The newest-created session is the current view.
	cur := graph.CurrentSession()
	require.NotNil(t, cur)
	assert.Equal(t, "sess-2", cur.ID)
}

func TestWatchConversationEmitsSnapshots(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := memstore.New()
	op := newTestOperator(t, st, NewMockCompute(ctrl))

	base := time.Now().Add(-time.Hour)
	seedConversation(t, st, "task-1", []seededSession{
		{id: "sess-1", externalUUID: "ext-aaa", name: "operator-main", createdAt: base, lastMessageAt: base},
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch := op.WatchConversation(ctx, "task-1")

	// The first snapshot is computed immediately, ahead of the first tick.
	select {
	case snap := <-ch:
		require.NoError(t, snap.Err)
		require.NotNil(t, snap.Data)
		require.Len(t, snap.Data.Sessions, 1)
		assert.Equal(t, "sess-1", snap.Data.Sessions[0].ID)
		assert.False(t, snap.At.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first snapshot")
	}

	cancel()
	for range ch {
	}
}
