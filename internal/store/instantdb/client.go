// Package instantdb implements store.Store against the InstantDB admin HTTP
// API. Writes go through /admin/transact as tx-steps, reads through
// /admin/query as InstaQL shapes with nested link resolution, so each Store
// call is a single round trip.
package instantdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/swcompose/operator/internal/store"
)

const defaultBaseURL = "https://api.instantdb.com"

// Client talks to a hosted InstantDB app with admin credentials.
type Client struct {
	baseURL    string
	appID      string
	adminToken string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests point this at an httptest
// server).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the given app.
func New(appID, adminToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		appID:      appID,
		adminToken: adminToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewID generates a client-side id; InstantDB accepts any UUID.
func (c *Client) NewID() string {
	return uuid.NewString()
}

// lookupRef is the wire form of a unique-attribute lookup.
func lookupRef(l *store.Lookup) []any {
	return []any{"lookup", l.Attr, l.Value}
}

func opID(op store.Op) any {
	if op.Lookup != nil {
		return lookupRef(op.Lookup)
	}
	return op.ID
}

// Transact converts ops to tx-steps and posts them as one atomic
// transaction.
func (c *Client) Transact(ctx context.Context, ops []store.Op) error {
	var steps [][]any
	for _, op := range ops {
		if op.Set != nil || len(op.Links) == 0 {
			set := op.Set
			if set == nil {
				set = map[string]any{}
			}
			steps = append(steps, []any{"update", op.Entity, opID(op), encodeAttrs(set)})
		}
		if len(op.Links) > 0 {
			linkMap := make(map[string]any, len(op.Links))
			for label, target := range op.Links {
				switch t := target.(type) {
				case string:
					linkMap[label] = t
				case store.Lookup:
					linkMap[label] = lookupRef(&t)
				case *store.Lookup:
					linkMap[label] = lookupRef(t)
				default:
					return fmt.Errorf("instantdb: unsupported link target %T", target)
				}
			}
			steps = append(steps, []any{"link", op.Entity, opID(op), linkMap})
		}
	}
	var resp json.RawMessage
	return c.post(ctx, "/admin/transact", map[string]any{"steps": steps}, &resp)
}

// encodeAttrs converts time.Time values to RFC3339 for the wire.
func encodeAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if t, ok := v.(time.Time); ok {
			out[k] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Client) query(ctx context.Context, shape map[string]any, out any) error {
	return c.post(ctx, "/admin/query", map[string]any{"query": shape}, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("instantdb: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.adminToken)
	req.Header.Set("App-Id", c.appID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("instantdb: %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("instantdb: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instantdb: %s returned %d: %s", path, resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("instantdb: decode response: %w", err)
		}
	}
	return nil
}

// where builds the standard id filter clause.
func where(id string) map[string]any {
	return map[string]any{"$": map[string]any{"where": map[string]any{"id": id}}}
}

// GetTask returns a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	var resp struct {
		Tasks []store.Task `json:"tasks"`
	}
	shape := map[string]any{"tasks": where(taskID)}
	if err := c.query(ctx, shape, &resp); err != nil {
		return nil, err
	}
	if len(resp.Tasks) == 0 {
		return nil, store.ErrNotFound
	}
	return &resp.Tasks[0], nil
}

type iterationRow struct {
	ID              string    `json:"id"`
	SetupStatus     string    `json:"setupStatus"`
	CreatedAt       time.Time `json:"createdAt"`
	ServerCreatedAt time.Time `json:"serverCreatedAt"`
	ActiveInstance  *struct {
		ExternalMorphInstanceID string `json:"externalMorphInstanceId"`
	} `json:"activeInstance"`
}

func (r iterationRow) created() time.Time {
	if !r.ServerCreatedAt.IsZero() {
		return r.ServerCreatedAt
	}
	return r.CreatedAt
}

// TaskIterations returns the task's iterations newest first with active
// instance links resolved.
func (c *Client) TaskIterations(ctx context.Context, taskID string) ([]store.IterationRef, error) {
	var resp struct {
		Tasks []struct {
			Iterations []iterationRow `json:"iterations"`
		} `json:"tasks"`
	}
	shape := map[string]any{"tasks": map[string]any{
		"$":          map[string]any{"where": map[string]any{"id": taskID}},
		"iterations": map[string]any{"activeInstance": map[string]any{}},
	}}
	if err := c.query(ctx, shape, &resp); err != nil {
		return nil, err
	}
	if len(resp.Tasks) == 0 {
		return nil, store.ErrNotFound
	}
	rows := resp.Tasks[0].Iterations
	refs := make([]store.IterationRef, 0, len(rows))
	for _, row := range rows {
		ref := store.IterationRef{
			IterationID: row.ID,
			CreatedAt:   row.created(),
			SetupStatus: row.SetupStatus,
		}
		if row.ActiveInstance != nil {
			ref.ExternalInstanceID = row.ActiveInstance.ExternalMorphInstanceID
		}
		refs = append(refs, ref)
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].CreatedAt.After(refs[j].CreatedAt)
	})
	return refs, nil
}

// Conversation returns the session graph of the task's most recent
// iteration.
func (c *Client) Conversation(ctx context.Context, taskID string) (*store.ConversationGraph, error) {
	var resp struct {
		Tasks []struct {
			Iterations []struct {
				iterationRow
				MachineName string          `json:"machineName"`
				Sessions    []store.Session `json:"sessions"`
			} `json:"iterations"`
		} `json:"tasks"`
	}
	shape := map[string]any{"tasks": map[string]any{
		"$": map[string]any{"where": map[string]any{"id": taskID}},
		"iterations": map[string]any{
			"sessions": map[string]any{
				"messages": map[string]any{
					"messageParts": map[string]any{},
				},
			},
		},
	}}
	if err := c.query(ctx, shape, &resp); err != nil {
		return nil, err
	}
	if len(resp.Tasks) == 0 {
		return nil, store.ErrNotFound
	}
	graph := &store.ConversationGraph{TaskID: taskID}
	iters := resp.Tasks[0].Iterations
	if len(iters) == 0 {
		return graph, nil
	}
	current := iters[0]
	for _, it := range iters[1:] {
		if it.created().After(current.created()) {
			current = it
		}
	}
	graph.IterationID = current.ID
	graph.MachineName = current.MachineName
	graph.SetupStatus = current.SetupStatus
	graph.Sessions = current.Sessions
	for i := range graph.Sessions {
		msgs := graph.Sessions[i].Messages
		sort.SliceStable(msgs, func(a, b int) bool {
			return msgs[a].CreatedAt.Before(msgs[b].CreatedAt)
		})
		for j := range msgs {
			sort.SliceStable(msgs[j].Parts, func(a, b int) bool {
				return msgs[j].Parts[a].Order < msgs[j].Parts[b].Order
			})
		}
	}
	sort.SliceStable(graph.Sessions, func(a, b int) bool {
		return graph.Sessions[a].CreatedAt.After(graph.Sessions[b].CreatedAt)
	})
	return graph, nil
}

// TokenFor returns the credential for ref, falling back from the user's own
// token to any stored token.
func (c *Client) TokenFor(ctx context.Context, ref store.TokenRef) (*store.OAuthToken, error) {
	if ref.TokenID != "" {
		var resp struct {
			Tokens []store.OAuthToken `json:"oauthTokens"`
		}
		if err := c.query(ctx, map[string]any{"oauthTokens": where(ref.TokenID)}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Tokens) == 0 {
			return nil, store.ErrNotFound
		}
		return &resp.Tokens[0], nil
	}
	if ref.UserEmail != "" {
		var resp struct {
			Profiles []struct {
				OAuthTokens []store.OAuthToken `json:"oauthTokens"`
			} `json:"userProfiles"`
		}
		shape := map[string]any{"userProfiles": map[string]any{
			"$":           map[string]any{"where": map[string]any{"userEmail": ref.UserEmail}},
			"oauthTokens": map[string]any{},
		}}
		if err := c.query(ctx, shape, &resp); err != nil {
			return nil, err
		}
		if len(resp.Profiles) > 0 && len(resp.Profiles[0].OAuthTokens) > 0 {
			return &resp.Profiles[0].OAuthTokens[0], nil
		}
	}
	var resp struct {
		Tokens []store.OAuthToken `json:"oauthTokens"`
	}
	if err := c.query(ctx, map[string]any{"oauthTokens": map[string]any{}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Tokens) == 0 {
		return nil, store.ErrNotFound
	}
	return &resp.Tokens[0], nil
}

// GetPrompt returns a prompt with its versions, newest first.
func (c *Client) GetPrompt(ctx context.Context, promptID string) (*store.Prompt, error) {
	var resp struct {
		Prompts []store.Prompt `json:"prompts"`
	}
	shape := map[string]any{"prompts": map[string]any{
		"$":        map[string]any{"where": map[string]any{"id": promptID}},
		"versions": map[string]any{},
	}}
	if err := c.query(ctx, shape, &resp); err != nil {
		return nil, err
	}
	if len(resp.Prompts) == 0 {
		return nil, store.ErrNotFound
	}
	p := resp.Prompts[0]
	sort.SliceStable(p.Versions, func(i, j int) bool {
		return p.Versions[i].Version > p.Versions[j].Version
	})
	return &p, nil
}

// ListPrompts returns all prompts with versions.
func (c *Client) ListPrompts(ctx context.Context) ([]store.Prompt, error) {
	var resp struct {
		Prompts []store.Prompt `json:"prompts"`
	}
	shape := map[string]any{"prompts": map[string]any{"versions": map[string]any{}}}
	if err := c.query(ctx, shape, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Prompts {
		vs := resp.Prompts[i].Versions
		sort.SliceStable(vs, func(a, b int) bool { return vs[a].Version > vs[b].Version })
	}
	sort.SliceStable(resp.Prompts, func(i, j int) bool {
		return resp.Prompts[i].CreatedAt.After(resp.Prompts[j].CreatedAt)
	})
	return resp.Prompts, nil
}

// TaskSystemPrompt returns the prompt and version selected for a task.
func (c *Client) TaskSystemPrompt(ctx context.Context, taskID string) (*store.Prompt, *store.PromptVersion, error) {
	var resp struct {
		Tasks []struct {
			SystemPrompt        *store.Prompt        `json:"systemPrompt"`
			SystemPromptVersion *store.PromptVersion `json:"systemPromptVersion"`
		} `json:"tasks"`
	}
	shape := map[string]any{"tasks": map[string]any{
		"$":                   map[string]any{"where": map[string]any{"id": taskID}},
		"systemPrompt":        map[string]any{"versions": map[string]any{}},
		"systemPromptVersion": map[string]any{},
	}}
	if err := c.query(ctx, shape, &resp); err != nil {
		return nil, nil, err
	}
	if len(resp.Tasks) == 0 {
		return nil, nil, store.ErrNotFound
	}
	t := resp.Tasks[0]
	if t.SystemPrompt != nil {
		vs := t.SystemPrompt.Versions
		sort.SliceStable(vs, func(a, b int) bool { return vs[a].Version > vs[b].Version })
	}
	return t.SystemPrompt, t.SystemPromptVersion, nil
}
