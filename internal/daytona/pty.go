package daytona

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPTYTimeout bounds a PTY command when the caller supplies none.
const DefaultPTYTimeout = 600 * time.Second

// RunPTYCommand runs command in a fresh PTY inside the sandbox and streams
// raw terminal output to onChunk as it arrives. Chunks are delivered
// serially from a single reader. The call blocks until the command exits
// and the provider closes the stream; cancelling ctx closes the stream and
// returns nil.
func (c *Client) RunPTYCommand(ctx context.Context, sandboxID, command string, timeout time.Duration, onChunk func([]byte)) error {
	if timeout <= 0 {
		timeout = DefaultPTYTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ptyID, err := c.createPTY(ctx, sandboxID, command)
	if err != nil {
		return err
	}

	conn, err := c.dialPTY(ctx, sandboxID, ptyID)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Closing the connection from the context watcher unblocks ReadMessage.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if len(msg) > 0 {
			onChunk(msg)
		}
		if err != nil {
			// A caller interrupt is not an error; the stream is simply over.
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("pty stream: %w", err)
		}
	}
}

// createPTY opens a PTY session running command and returns its id.
func (c *Client) createPTY(ctx context.Context, sandboxID, command string) (string, error) {
	body := map[string]interface{}{
		"command": command,
		"cols":    200,
		"rows":    50,
	}
	data, err := c.doRequest(ctx, c.execClient, http.MethodPost, toolboxPath(sandboxID, "/pty"), body)
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("provider returned no pty id")
	}
	return result.ID, nil
}

// dialPTY connects the websocket that carries the PTY byte stream.
func (c *Client) dialPTY(ctx context.Context, sandboxID, ptyID string) (*websocket.Conn, error) {
	wsURL, err := c.ptyURL(sandboxID, ptyID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("pty connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("pty connect: %w", err)
	}
	return conn, nil
}

func (c *Client) ptyURL(sandboxID, ptyID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += toolboxPath(sandboxID, "/pty/"+url.PathEscape(ptyID)+"/connect")
	return u.String(), nil
}
