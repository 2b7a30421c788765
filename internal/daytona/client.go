// Package daytona is a typed HTTP client for the Daytona sandbox provider:
// snapshot builds, sandbox lifecycle, command execution, file upload, and
// PTY streaming over websocket.
package daytona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultBaseURL is the hosted Daytona API.
	DefaultBaseURL = "https://app.daytona.io/api"

	defaultPollInterval = 3 * time.Second
)

// ErrWaitTimeout is returned by the wait helpers when the timeout elapses
// before the resource reaches a terminal state.
var ErrWaitTimeout = errors.New("wait timed out")

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daytona API error (status %d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the provider.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is an HTTP client for the Daytona API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// execClient has no client-side timeout; long calls (installs, PTY
	// setup) are bounded by per-request contexts instead.
	execClient *http.Client

	pollInterval time.Duration
}

// NewClient creates a new Daytona API client. baseURL may be empty to use
// the hosted API.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		execClient:   &http.Client{},
		pollInterval: defaultPollInterval,
	}
}

// doRequest performs a JSON request with bearer authentication and decodes
// non-2xx responses into *APIError.
func (c *Client) doRequest(ctx context.Context, client *http.Client, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
	}

	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	return c.doRequest(ctx, c.httpClient, method, path, body)
}

// errorMessage extracts the provider's message field, falling back to a
// body fragment.
func errorMessage(data []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &e); err == nil && e.Message != "" {
		return e.Message
	}
	const max = 200
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}

// CreateSnapshot starts a snapshot build from a Dockerfile.
func (c *Client) CreateSnapshot(ctx context.Context, req CreateSnapshotRequest) (*Snapshot, error) {
	data, err := c.do(ctx, http.MethodPost, "/snapshots", req)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &snap, nil
}

// FindSnapshotByName returns the snapshot with the given name, or nil if
// none exists.
func (c *Client) FindSnapshotByName(ctx context.Context, name string) (*Snapshot, error) {
	data, err := c.do(ctx, http.MethodGet, "/snapshots/"+url.PathEscape(name), nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &snap, nil
}

// GetSnapshot fetches a snapshot by id.
func (c *Client) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	data, err := c.do(ctx, http.MethodGet, "/snapshots/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes a snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/snapshots/"+url.PathEscape(id), nil)
	return err
}

// WaitForSnapshot polls until the snapshot build completes. Returns an
// error on a failed build and ErrWaitTimeout when timeout elapses.
func (c *Client) WaitForSnapshot(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		snap, err := c.GetSnapshot(ctx, id)
		if err != nil {
			return err
		}
		switch snap.State {
		case SnapshotStateReady, SnapshotStateActive:
			return nil
		case SnapshotStateError, SnapshotStateFailed:
			return fmt.Errorf("snapshot %s build failed (state %s)", id, snap.State)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: snapshot %s still %s after %s", ErrWaitTimeout, id, snap.State, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// CreateSandbox creates a sandbox instance from a snapshot.
func (c *Client) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*Sandbox, error) {
	data, err := c.do(ctx, http.MethodPost, "/sandbox", req)
	if err != nil {
		return nil, err
	}
	var sb Sandbox
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &sb, nil
}

// GetSandbox fetches a sandbox by id.
func (c *Client) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	data, err := c.do(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var sb Sandbox
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &sb, nil
}

// ListSandboxes returns all sandboxes visible to the API key.
func (c *Client) ListSandboxes(ctx context.Context) ([]Sandbox, error) {
	data, err := c.do(ctx, http.MethodGet, "/sandbox", nil)
	if err != nil {
		return nil, err
	}
	var out []Sandbox
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// FindSandboxByName returns the sandbox with the given name, or nil if
// none exists.
func (c *Client) FindSandboxByName(ctx context.Context, name string) (*Sandbox, error) {
	sandboxes, err := c.ListSandboxes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sandboxes {
		if sandboxes[i].Name == name {
			return &sandboxes[i], nil
		}
	}
	return nil, nil
}

// StartSandbox starts a stopped sandbox.
func (c *Client) StartSandbox(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/start", nil)
	return err
}

// StopSandbox stops a running sandbox.
func (c *Client) StopSandbox(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/stop", nil)
	return err
}

// DeleteSandbox removes a sandbox.
func (c *Client) DeleteSandbox(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/sandbox/"+url.PathEscape(id), nil)
	return err
}

// WaitForSandbox polls until the sandbox reaches one of the given states.
// Returns ErrWaitTimeout when timeout elapses first.
func (c *Client) WaitForSandbox(ctx context.Context, id string, states []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		sb, err := c.GetSandbox(ctx, id)
		if err != nil {
			return err
		}
		for _, s := range states {
			if sb.State == s {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: sandbox %s still %s after %s", ErrWaitTimeout, id, sb.State, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}
