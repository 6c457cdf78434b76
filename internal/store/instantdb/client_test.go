package instantdb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swcompose/operator/internal/store"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("app-1", "admin-tok", WithBaseURL(srv.URL))
}

func TestTransactEncodesSteps(t *testing.T) {
	var gotPath string
	var gotAuth, gotApp string
	var body struct {
		Steps [][]any `json:"steps"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotApp = r.Header.Get("App-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{}`)) //nolint:errcheck
	})

	created := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	lookup := store.Lookup{Attr: "externalMorphSnapshotId", Value: "snap-1"}
	err := client.Transact(context.Background(), []store.Op{
		{
			Entity: store.EntityMorphSnapshots,
			Lookup: &lookup,
			Set:    map[string]any{"externalMorphSnapshotId": "snap-1"},
		},
		{
			Entity: store.EntityIterations,
			ID:     "iter-1",
			Set:    map[string]any{"createdAt": created},
			Links:  map[string]any{"initialSnapshot": lookup, "task": "task-1"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/admin/transact", gotPath)
	assert.Equal(t, "Bearer admin-tok", gotAuth)
	assert.Equal(t, "app-1", gotApp)

	// Lookup-addressed upsert, then the iteration update, then its links.
	require.Len(t, body.Steps, 3)
	assert.Equal(t, "update", body.Steps[0][0])
	assert.Equal(t, "morphSnapshots", body.Steps[0][1])
	assert.Equal(t, []any{"lookup", "externalMorphSnapshotId", "snap-1"}, body.Steps[0][2])

	assert.Equal(t, "update", body.Steps[1][0])
	attrs, ok := body.Steps[1][3].(map[string]any)
	require.True(t, ok)
	// Timestamps travel as RFC3339 strings.
	assert.Equal(t, "2026-08-01T09:00:00Z", attrs["createdAt"])

	assert.Equal(t, "link", body.Steps[2][0])
	linkMap, ok := body.Steps[2][3].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "task-1", linkMap["task"])
	assert.Equal(t, []any{"lookup", "externalMorphSnapshotId", "snap-1"}, linkMap["initialSnapshot"])
}

func TestTransactSurfacesServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"bad steps"}`, http.StatusBadRequest)
	})

	err := client.Transact(context.Background(), []store.Op{{
		Entity: store.EntityTasks, ID: "t-1", Set: map[string]any{"name": "x"},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestGetTaskNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"tasks": []}`)) //nolint:errcheck
	})

	_, err := client.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTaskIterationsNewestFirst(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/admin/query", r.URL.Path)
		w.Write([]byte(`{"tasks": [{"iterations": [
			{"id": "iter-old", "setupStatus": "complete", "serverCreatedAt": "2026-08-01T09:00:00Z",
			 "activeInstance": {"externalMorphInstanceId": "inst-old"}},
			{"id": "iter-new", "setupStatus": "pending", "serverCreatedAt": "2026-08-02T09:00:00Z",
			 "activeInstance": {"externalMorphInstanceId": "inst-new"}}
		]}]}`)) //nolint:errcheck
	})

	refs, err := client.TaskIterations(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "iter-new", refs[0].IterationID)
	assert.Equal(t, "inst-new", refs[0].ExternalInstanceID)
	assert.Equal(t, "iter-old", refs[1].IterationID)
}

func TestConversationPicksNewestIterationAndSorts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"tasks": [{"iterations": [
			{"id": "iter-1", "machineName": "old-box", "serverCreatedAt": "2026-08-01T09:00:00Z", "sessions": []},
			{"id": "iter-2", "machineName": "new-box", "serverCreatedAt": "2026-08-02T09:00:00Z", "sessions": [
				{"id": "sess-1", "createdAt": "2026-08-02T10:00:00Z", "messages": [
					{"id": "m-2", "role": "assistant", "createdAt": "2026-08-02T10:02:00Z"},
					{"id": "m-1", "role": "user", "createdAt": "2026-08-02T10:01:00Z",
					 "messageParts": [
						{"id": "p-2", "partType": "text", "text": "b", "order": 2},
						{"id": "p-1", "partType": "text", "text": "a", "order": 1}
					 ]}
				]}
			]}
		]}]}`)) //nolint:errcheck
	})

	graph, err := client.Conversation(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "iter-2", graph.IterationID)
	assert.Equal(t, "new-box", graph.MachineName)
	require.Len(t, graph.Sessions, 1)

	msgs := graph.Sessions[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, "m-2", msgs[1].ID)

	parts := msgs[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "a", parts[0].Text)
	assert.Equal(t, "b", parts[1].Text)
}

func TestTokenForQueriesByProfile(t *testing.T) {
	var shapes []map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query map[string]any `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		shapes = append(shapes, req.Query)
		if _, ok := req.Query["userProfiles"]; ok {
			w.Write([]byte(`{"userProfiles": [{"oauthTokens": [{"id": "tok-1", "authToken": "user-own"}]}]}`)) //nolint:errcheck
			return
		}
		w.Write([]byte(`{"oauthTokens": []}`)) //nolint:errcheck
	})

	tok, err := client.TokenFor(context.Background(), store.TokenRef{UserEmail: "dev@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "user-own", tok.AuthToken)
	require.Len(t, shapes, 1)
}

func TestTokenForFallsBackToAnyToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query map[string]any `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if _, ok := req.Query["userProfiles"]; ok {
			w.Write([]byte(`{"userProfiles": []}`)) //nolint:errcheck
			return
		}
		w.Write([]byte(`{"oauthTokens": [{"id": "tok-shared", "authToken": "shared"}]}`)) //nolint:errcheck
	})

	tok, err := client.TokenFor(context.Background(), store.TokenRef{UserEmail: "dev@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "shared", tok.AuthToken)
}

func TestGetPromptSortsVersions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"prompts": [{"id": "p-1", "name": "Default", "versions": [
			{"id": "v-1", "version": 1, "content": "one"},
			{"id": "v-3", "version": 3, "content": "three"},
			{"id": "v-2", "version": 2, "content": "two"}
		]}]}`)) //nolint:errcheck
	})

	p, err := client.GetPrompt(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, p.Versions, 3)
	assert.Equal(t, 3, p.Versions[0].Version)
	assert.Equal(t, "three", p.Versions[0].Content)
}
