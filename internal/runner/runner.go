// Package runner abstracts over conversational coding-assistant backends.
// A backend builds the in-sandbox command line and turns the raw PTY byte
// stream into validated JSON event lines.
package runner

import (
	"context"
	"time"
)

// Executor runs a command in a PTY and pushes raw output chunks to onChunk
// until the command exits. The session orchestrator binds this to the
// sandbox provider's PTY stream.
type Executor func(ctx context.Context, command string, timeout time.Duration, onChunk func([]byte)) error

// RunOptions describes one conversational exchange.
type RunOptions struct {
	Prompt string
	// SessionID is the conversation UUID. With Resume false it names a new
	// conversation; with Resume true it continues an existing one.
	SessionID string
	Resume    bool
	// Dir is the working directory inside the sandbox.
	Dir string
	// Timeout bounds the whole exchange; zero means the executor default.
	Timeout  time.Duration
	Executor Executor
	// OnLine receives each validated JSON event line, in order.
	OnLine func(line string)
}

// Backend is a coding-assistant integration.
type Backend interface {
	// Run executes one prompt and streams JSON event lines to opts.OnLine.
	// It returns when the underlying PTY closes.
	Run(ctx context.Context, opts RunOptions) error
	// EnvVars returns credentials the sandbox environment needs.
	EnvVars() map[string]string
	// BuildCommand assembles the full in-sandbox command line.
	BuildCommand(sessionFlag, prompt string) string
}
