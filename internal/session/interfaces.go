// Package session drives the full lifecycle of one development session:
// sandbox provisioning, repository setup, process management, the edge
// tunnel with its auth worker, and conversational runs of the AI backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kml-sh/kml/internal/cloudflare"
	"github.com/kml-sh/kml/internal/config"
	"github.com/kml-sh/kml/internal/daytona"
	"github.com/kml-sh/kml/internal/runner"
)

// Provider is the sandbox-provider surface the orchestrator needs.
// *daytona.Client satisfies it.
type Provider interface {
	CreateSnapshot(ctx context.Context, req daytona.CreateSnapshotRequest) (*daytona.Snapshot, error)
	FindSnapshotByName(ctx context.Context, name string) (*daytona.Snapshot, error)
	WaitForSnapshot(ctx context.Context, id string, timeout time.Duration) error
	DeleteSnapshot(ctx context.Context, id string) error

	CreateSandbox(ctx context.Context, req daytona.CreateSandboxRequest) (*daytona.Sandbox, error)
	GetSandbox(ctx context.Context, id string) (*daytona.Sandbox, error)
	FindSandboxByName(ctx context.Context, name string) (*daytona.Sandbox, error)
	StopSandbox(ctx context.Context, id string) error
	DeleteSandbox(ctx context.Context, id string) error
	WaitForSandbox(ctx context.Context, id string, states []string, timeout time.Duration) error

	UploadFile(ctx context.Context, sandboxID, path string, content []byte) error
	ExecuteCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*daytona.ExecResult, error)
	GitClone(ctx context.Context, sandboxID string, req daytona.GitCloneRequest) error
	CreateSession(ctx context.Context, sandboxID, sessionID string) error
	SessionExecute(ctx context.Context, sandboxID, sessionID, command string) error
	RunPTYCommand(ctx context.Context, sandboxID, command string, timeout time.Duration, onChunk func([]byte)) error
}

// Edge is the edge-CDN surface the orchestrator needs. *cloudflare.Client
// satisfies it.
type Edge interface {
	CreateTunnel(ctx context.Context, name, hostname string) (tunnelID, token string, err error)
	DeleteTunnel(ctx context.Context, tunnelID string) error
	EnsureTunnelDNS(ctx context.Context, hostname, tunnelID string) error
	DeployWorker(ctx context.Context, cfg cloudflare.WorkerConfig) error
	DeleteWorker(ctx context.Context, name, hostname string) error
}

// Events are callbacks fired during Start so the caller can persist partial
// state durably. Any field may be nil.
type Events struct {
	SandboxCreated  func(id string)
	TunnelCreated   func(id, token string)
	InstallStart    func(step config.InstallStep)
	InstallComplete func(step config.InstallStep, exitCode int, output string)
}

func (e Events) sandboxCreated(id string) {
	if e.SandboxCreated != nil {
		e.SandboxCreated(id)
	}
}

func (e Events) tunnelCreated(id, token string) {
	if e.TunnelCreated != nil {
		e.TunnelCreated(id, token)
	}
}

func (e Events) installStart(step config.InstallStep) {
	if e.InstallStart != nil {
		e.InstallStart(step)
	}
}

func (e Events) installComplete(step config.InstallStep, exitCode int, output string) {
	if e.InstallComplete != nil {
		e.InstallComplete(step, exitCode, output)
	}
}

// Config assembles everything one session needs. Resume fields come from
// the catalog record; the rest from project configuration.
type Config struct {
	Slug        string
	ServiceName string
	// Domain is the base domain sessions are published under. Empty when
	// no edge is configured.
	Domain string

	AI       runner.Backend
	Provider Provider
	// Edge may be nil; the session then has no public URL.
	Edge Edge

	GitRepo   string
	GitBranch string
	GitToken  string

	Install   []config.InstallStep
	Processes map[string]string
	Env       map[string]string

	// Resume state from the catalog.
	SandboxID   string
	AccessToken string
	CreatedAt   string
	TunnelID    string
	TunnelToken string

	// Optional worker extensions.
	WorkerFiles     map[string]string
	WorkerBindings  map[string]string
	WorkerInjection string

	Events Events
}

// ErrNotRunning is returned by Run when the sandbox is not in a runnable
// state.
var ErrNotRunning = errors.New("sandbox is not running")

// InstallError reports a failed install step. Start aborts on the first
// one; the sandbox is left in place for a later Delete.
type InstallError struct {
	Step     config.InstallStep
	ExitCode int
	Output   string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install step %q failed with exit code %d:\n%s",
		e.Step.Command, e.ExitCode, strings.TrimSpace(e.Output))
}

// codePath is where the repository is cloned inside every sandbox.
const codePath = "/home/daytona/app"

func snapshotName(service string) string {
	return "kml-" + service
}

func resourceName(service, slug string) string {
	return "kml-" + service + "-" + slug
}

func hostname(slug, domain string) string {
	return slug + "." + domain
}

func databaseName(slug string) string {
	return strings.ReplaceAll(slug, "-", "_") + "_dev"
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
