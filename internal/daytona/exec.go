package daytona

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
)

// DefaultExecTimeout bounds synchronous command execution when the caller
// does not supply a timeout.
const DefaultExecTimeout = 300 * time.Second

// ExecuteCommand runs a single command in the sandbox and returns its exit
// code and combined output. The command is executed directly; wrap it in
// `sh -c '...'` for shell semantics.
func (c *Client) ExecuteCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := map[string]interface{}{
		"command": command,
		"timeout": int(timeout.Seconds()),
	}
	data, err := c.doRequest(ctx, c.execClient, http.MethodPost, toolboxPath(sandboxID, "/process/execute"), body)
	if err != nil {
		return nil, err
	}

	var result ExecResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// UploadFile writes content to path inside the sandbox via multipart upload.
func (c *Client) UploadFile(ctx context.Context, sandboxID, path string, content []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "upload")
	if err != nil {
		return fmt.Errorf("create multipart: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write multipart: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	reqURL := c.baseURL + toolboxPath(sandboxID, "/files/upload") + "?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: errorMessage(respBody)}
	}
	return nil
}

// GitClone clones a repository inside the sandbox. Credentials are passed
// through to the provider's git integration.
func (c *Client) GitClone(ctx context.Context, sandboxID string, req GitCloneRequest) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultExecTimeout)
	defer cancel()
	_, err := c.doRequest(ctx, c.execClient, http.MethodPost, toolboxPath(sandboxID, "/git/clone"), req)
	return err
}

// CreateSession opens a named persistent background shell in the sandbox.
func (c *Client) CreateSession(ctx context.Context, sandboxID, sessionID string) error {
	body := map[string]string{"sessionId": sessionID}
	_, err := c.do(ctx, http.MethodPost, toolboxPath(sandboxID, "/process/session"), body)
	return err
}

// SessionExecute starts a command in a persistent shell session and returns
// immediately; the command keeps running in the background. Output is not
// recoverable through this call.
func (c *Client) SessionExecute(ctx context.Context, sandboxID, sessionID, command string) error {
	body := map[string]interface{}{
		"command":  command,
		"runAsync": true,
	}
	path := toolboxPath(sandboxID, "/process/session/"+url.PathEscape(sessionID)+"/exec")
	_, err := c.do(ctx, http.MethodPost, path, body)
	return err
}

func toolboxPath(sandboxID, suffix string) string {
	return "/toolbox/" + url.PathEscape(sandboxID) + "/toolbox" + suffix
}
