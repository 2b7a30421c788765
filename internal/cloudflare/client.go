// Package cloudflare manages the edge resources of a session: a dedicated
// tunnel, its DNS record, and the per-session auth worker with its route.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Client is a Cloudflare API client scoped to one account and one zone.
type Client struct {
	apiToken  string
	accountID string
	zoneID    string
	baseURL   string
	http      *http.Client
}

// NewClient creates a new Cloudflare API client.
func NewClient(apiToken, accountID, zoneID string) *Client {
	return &Client{
		apiToken:  apiToken,
		accountID: accountID,
		zoneID:    zoneID,
		baseURL:   defaultBaseURL,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

type cfError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e cfError) String() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []cfError       `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

// call performs a JSON request and decodes the standard Cloudflare response
// envelope. out may be nil when the result is not needed.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	data, err := c.do(ctx, method, path, bodyReader, "application/json")
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("cloudflare API error: %v", env.Errors)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// do performs an HTTP request with the Cloudflare API token.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("cloudflare server error (status %d): %s", resp.StatusCode, string(data))
	}

	return data, nil
}

func (c *Client) accountPath(suffix string) string {
	return "/accounts/" + c.accountID + suffix
}

func (c *Client) zonePath(suffix string) string {
	return "/zones/" + c.zoneID + suffix
}
