package daytona

// Snapshot is a provider-side immutable image built from a Dockerfile.
type Snapshot struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Snapshot states reported by the provider.
const (
	SnapshotStateReady  = "ready"
	SnapshotStateActive = "active"
	SnapshotStateError  = "error"
	SnapshotStateFailed = "build_failed"
)

// Sandbox is a provider-side ephemeral VM instantiated from a snapshot.
type Sandbox struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	State    string            `json:"state"`
	Snapshot string            `json:"snapshot"`
	Env      map[string]string `json:"env,omitempty"`
}

// Sandbox states reported by the provider.
const (
	SandboxStateStarted = "started"
	SandboxStateRunning = "running"
	SandboxStateStopped = "stopped"
	SandboxStateError   = "error"
)

// CreateSnapshotRequest describes a snapshot build.
type CreateSnapshotRequest struct {
	Name      string    `json:"name"`
	BuildInfo BuildInfo `json:"buildInfo"`
	CPU       int       `json:"cpu"`
	Memory    int       `json:"memory"` // GiB
	Disk      int       `json:"disk"`   // GiB
}

// BuildInfo carries the Dockerfile for a snapshot build.
type BuildInfo struct {
	DockerfileContent string `json:"dockerfileContent"`
}

// CreateSandboxRequest describes a sandbox instance.
type CreateSandboxRequest struct {
	Snapshot string            `json:"snapshot"`
	Name     string            `json:"name"`
	Env      map[string]string `json:"env,omitempty"`
	Public   bool              `json:"public"`
	// AutoStopInterval is minutes of inactivity before the provider stops
	// the sandbox; 0 disables auto-stop.
	AutoStopInterval int `json:"autoStopInterval"`
}

// ExecResult is the outcome of a synchronous command execution. Output is
// the combined stdout and stderr of the command.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"result"`
}

// GitCloneRequest clones a repository into the sandbox filesystem.
type GitCloneRequest struct {
	URL      string `json:"url"`
	Path     string `json:"path"`
	Branch   string `json:"branch,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}
