// Package morph is a client for the Morph Cloud compute API: instance
// lifecycle, command execution, and snapshot management for the operator
// VMs.
package morph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://cloud.morph.so/api"

// ErrNotFound is returned when the API reports an unknown instance or
// snapshot id.
var ErrNotFound = errors.New("morph: not found")

// Status is the normalized instance state. The API reports a wider set of
// implementation-defined strings; everything maps onto these four.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
)

// NormalizeStatus maps a raw API status string to a Status.
func NormalizeStatus(raw string) Status {
	switch raw {
	case "ready", "running":
		return StatusReady
	case "starting", "pending", "booting":
		return StatusStarting
	case "paused", "suspended", "suspending":
		return StatusPaused
	default:
		return StatusStopped
	}
}

// Live reports whether an instance in this state can be reused without a
// fresh boot.
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusReady
}

// TTLAction is what the provider does when an instance's TTL expires.
type TTLAction string

const (
	// TTLPause preserves disk state for later continuation.
	TTLPause TTLAction = "pause"
	TTLStop  TTLAction = "stop"
)

// HTTPService is one exposed HTTP endpoint on an instance.
type HTTPService struct {
	Name string `json:"name"`
	Port int    `json:"port"`
	URL  string `json:"url,omitempty"`
}

// Networking describes an instance's exposed services.
type Networking struct {
	HTTPServices []HTTPService `json:"http_services"`
}

// Instance is a live VM.
type Instance struct {
	ID         string            `json:"id"`
	RawStatus  string            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Networking Networking        `json:"networking"`
	CreatedAt  time.Time         `json:"created_at,omitempty"`
}

// Status returns the normalized state.
func (i *Instance) Status() Status {
	return NormalizeStatus(i.RawStatus)
}

// Snapshot is a bootable disk image.
type Snapshot struct {
	ID        string            `json:"id"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// ExecResult is the outcome of one shell command on an instance.
type ExecResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// StartOptions configures a new instance boot.
type StartOptions struct {
	SnapshotID string            `json:"snapshot_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TTLSeconds int               `json:"ttl_seconds,omitempty"`
	TTLAction  TTLAction         `json:"ttl_action,omitempty"`
}

// Client calls the Morph Cloud API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client authenticated with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("morph: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("morph: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("morph: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("morph: %s %s returned %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("morph: decode response: %w", err)
		}
	}
	return nil
}

// Start boots a new instance from a snapshot. It returns as soon as the API
// assigns an instance id; the instance may still be starting.
func (c *Client) Start(ctx context.Context, opts StartOptions) (*Instance, error) {
	if opts.SnapshotID == "" {
		return nil, errors.New("morph: start requires a snapshot id")
	}
	var inst Instance
	if err := c.do(ctx, http.MethodPost, "/instance", opts, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// StartAndWait boots an instance and polls until it reports ready, with a
// bounded number of attempts.
func (c *Client) StartAndWait(ctx context.Context, opts StartOptions) (*Instance, error) {
	inst, err := c.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	const maxTries = 30
	for try := 0; inst.Status() != StatusReady && try < maxTries; try++ {
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-time.After(2 * time.Second):
		}
		updated, err := c.Get(ctx, inst.ID)
		if err != nil {
			return inst, err
		}
		inst = updated
	}
	return inst, nil
}

// Get fetches an instance by id.
func (c *Client) Get(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	if err := c.do(ctx, http.MethodGet, "/instance/"+url.PathEscape(instanceID), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// List returns instances that are in an active state.
func (c *Client) List(ctx context.Context) ([]Instance, error) {
	var resp struct {
		Data []Instance `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/instance", nil, &resp); err != nil {
		return nil, err
	}
	active := resp.Data[:0]
	for _, inst := range resp.Data {
		if inst.Status() != StatusStopped {
			active = append(active, inst)
		}
	}
	return active, nil
}

// Stop releases an instance's resources. Terminal: no further operations
// are valid against the id.
func (c *Client) Stop(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, "/instance/"+url.PathEscape(instanceID), nil, nil)
}

// Pause suspends a running instance, preserving disk and memory state.
func (c *Client) Pause(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodPost, "/instance/"+url.PathEscape(instanceID)+"/pause", nil, nil)
}

// Resume wakes a paused instance.
func (c *Client) Resume(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodPost, "/instance/"+url.PathEscape(instanceID)+"/resume", nil, nil)
}

// Exec runs shell commands on an instance in order. Execution stops the
// caller-visible chain at the first transport error; individual command
// failures are reported through ExitCode, not error.
func (c *Client) Exec(ctx context.Context, instanceID string, commands []string) ([]ExecResult, error) {
	results := make([]ExecResult, 0, len(commands))
	for _, command := range commands {
		var res ExecResult
		body := map[string]any{"command": []string{"bash", "-c", command}}
		if err := c.do(ctx, http.MethodPost, "/instance/"+url.PathEscape(instanceID)+"/exec", body, &res); err != nil {
			return results, err
		}
		res.Command = command
		results = append(results, res)
	}
	return results, nil
}

// CreateSnapshot snapshots an instance's disk with the given metadata.
func (c *Client) CreateSnapshot(ctx context.Context, instanceID string, metadata map[string]string) (*Snapshot, error) {
	var snap Snapshot
	body := map[string]any{"metadata": metadata}
	if err := c.do(ctx, http.MethodPost, "/instance/"+url.PathEscape(instanceID)+"/snapshot", body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns all snapshots.
func (c *Client) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	var resp struct {
		Data []Snapshot `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/snapshot", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetSnapshot fetches one snapshot by id.
func (c *Client) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/snapshot/"+url.PathEscape(snapshotID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSnapshot removes a snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return c.do(ctx, http.MethodDelete, "/snapshot/"+url.PathEscape(snapshotID), nil, nil)
}

// ExposeHTTPService publishes a port on the instance under a service name.
func (c *Client) ExposeHTTPService(ctx context.Context, instanceID, name string, port int) error {
	body := map[string]any{"name": name, "port": port}
	return c.do(ctx, http.MethodPost, "/instance/"+url.PathEscape(instanceID)+"/http", body, nil)
}

// ServiceURL derives the public URL of a named HTTP service on an instance,
// or "" when the service is not exposed.
func ServiceURL(inst *Instance, serviceName string) string {
	for _, svc := range inst.Networking.HTTPServices {
		if svc.Name != serviceName {
			continue
		}
		if svc.URL != "" {
			return svc.URL
		}
		host := strings.ReplaceAll(inst.ID, "_", "-")
		return fmt.Sprintf("https://%s-%s.http.cloud.morph.so", svc.Name, host)
	}
	return ""
}
