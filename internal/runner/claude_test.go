package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestBuildCommand(t *testing.T) {
	c := NewClaude("tok-123", "")
	cmd := c.BuildCommand("--session-id u1", "fix the tests")

	for _, want := range []string{
		`export PATH="$HOME/.local/share/mise/shims:$HOME/.local/bin:$PATH"`,
		"export ANTHROPIC_AUTH_TOKEN=tok-123",
		"--session-id u1",
		"--dangerously-skip-permissions",
		"-p --verbose",
		"--output-format=stream-json",
		"--include-partial-messages",
		"'fix the tests'",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command missing %q:\n%s", want, cmd)
		}
	}
	if strings.Contains(cmd, "ANTHROPIC_BASE_URL") {
		t.Error("base URL export should be absent when unset")
	}
}

func TestBuildCommand_BaseURL(t *testing.T) {
	c := NewClaude("tok", "https://proxy.internal")
	cmd := c.BuildCommand("--resume u1", "hi")
	if !strings.Contains(cmd, "export ANTHROPIC_BASE_URL=https://proxy.internal") {
		t.Errorf("missing base URL export:\n%s", cmd)
	}
}

func TestShellQuote_EscapesQuotes(t *testing.T) {
	got := shellQuote(`don't break`)
	want := `'don'\''t break'`
	if got != want {
		t.Errorf("shellQuote() = %s, want %s", got, want)
	}
}

func TestRun_SessionFlagSelection(t *testing.T) {
	tests := []struct {
		name    string
		resume  bool
		want    string
		notWant string
	}{
		{"new conversation", false, "--session-id u1", "--resume"},
		{"resume", true, "--resume u1", "--session-id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			exec := func(ctx context.Context, command string, timeout time.Duration, onChunk func([]byte)) error {
				captured = command
				return nil
			}

			c := NewClaude("tok", "")
			err := c.Run(context.Background(), RunOptions{
				Prompt:    "more",
				SessionID: "u1",
				Resume:    tt.resume,
				Dir:       "/home/daytona/app",
				Executor:  exec,
				OnLine:    func(string) {},
			})
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if !strings.Contains(captured, tt.want) {
				t.Errorf("command missing %q:\n%s", tt.want, captured)
			}
			if strings.Contains(captured, tt.notWant) {
				t.Errorf("command should not contain %q:\n%s", tt.notWant, captured)
			}
			if !strings.HasPrefix(captured, "cd /home/daytona/app && ") {
				t.Errorf("command should change into the code path:\n%s", captured)
			}
		})
	}
}

func TestRun_StreamsFilteredLines(t *testing.T) {
	exec := func(ctx context.Context, command string, timeout time.Duration, onChunk func([]byte)) error {
		onChunk([]byte("$ claude --session-id u1 ...\r\n"))
		onChunk([]byte(`{"type":"system","subtype":"init"}` + "\n"))
		onChunk([]byte("\x1b[32mnoise\x1b[0m\n"))
		onChunk([]byte(`{"type":"result","is_error":false}` + "\n"))
		return nil
	}

	var lines []string
	c := NewClaude("tok", "")
	err := c.Run(context.Background(), RunOptions{
		Prompt:    "hello",
		SessionID: "u1",
		Executor:  exec,
		OnLine:    func(l string) { lines = append(lines, l) },
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d: %v", len(lines), lines)
	}
	if lines[0] != `{"type":"system","subtype":"init"}` {
		t.Errorf("unexpected first line: %s", lines[0])
	}
	if lines[1] != `{"type":"result","is_error":false}` {
		t.Errorf("unexpected second line: %s", lines[1])
	}
}
