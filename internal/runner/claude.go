package runner

import (
	"context"
	"fmt"
	"strings"
)

// MisePathExport puts the in-sandbox toolchain shims on PATH; claude and
// the language runtimes are installed through mise in the base image.
const MisePathExport = `export PATH="$HOME/.local/share/mise/shims:$HOME/.local/bin:$PATH"`

// Claude runs the claude CLI in headless streaming mode.
type Claude struct {
	AuthToken string
	// BaseURL overrides the API endpoint, for proxies and regional
	// deployments. Empty means the default.
	BaseURL string
}

// NewClaude creates the claude backend.
func NewClaude(authToken, baseURL string) *Claude {
	return &Claude{AuthToken: authToken, BaseURL: baseURL}
}

// EnvVars returns the credentials the sandbox needs to run the backend.
func (c *Claude) EnvVars() map[string]string {
	env := map[string]string{"ANTHROPIC_AUTH_TOKEN": c.AuthToken}
	if c.BaseURL != "" {
		env["ANTHROPIC_BASE_URL"] = c.BaseURL
	}
	return env
}

// BuildCommand assembles the full shell command for one exchange.
// sessionFlag is either "--session-id <uuid>" or "--resume <uuid>".
func (c *Claude) BuildCommand(sessionFlag, prompt string) string {
	parts := []string{
		MisePathExport,
		"export ANTHROPIC_AUTH_TOKEN=" + c.AuthToken,
	}
	if c.BaseURL != "" {
		parts = append(parts, "export ANTHROPIC_BASE_URL="+c.BaseURL)
	}
	parts = append(parts, fmt.Sprintf(
		"claude %s --dangerously-skip-permissions -p --verbose --output-format=stream-json --include-partial-messages %s",
		sessionFlag, shellQuote(prompt)))
	return strings.Join(parts, " && ")
}

// Run executes one prompt over the PTY executor, filtering the byte stream
// down to validated JSON event lines. Synchronous: returns when the PTY
// closes.
func (c *Claude) Run(ctx context.Context, opts RunOptions) error {
	sessionFlag := "--session-id " + opts.SessionID
	if opts.Resume {
		sessionFlag = "--resume " + opts.SessionID
	}

	command := c.BuildCommand(sessionFlag, opts.Prompt)
	if opts.Dir != "" {
		command = "cd " + opts.Dir + " && " + command
	}

	filter := newLineFilter(opts.OnLine)
	err := opts.Executor(ctx, command, opts.Timeout, filter.feed)
	filter.flush()
	return err
}

// shellQuote single-quotes s for a POSIX shell, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
