package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kml-sh/kml/internal/cloudflare"
	"github.com/kml-sh/kml/internal/daytona"
	"github.com/kml-sh/kml/internal/runner"
	"github.com/kml-sh/kml/internal/ui"
)

const (
	sandboxStartTimeout = 120 * time.Second
	sandboxStopTimeout  = 30 * time.Second
	installTimeout      = 600 * time.Second
	commandTimeout      = 30 * time.Second

	// deletePropagationDelay gives the provider time to release a deleted
	// sandbox's name before we reuse it.
	deletePropagationDelay = 5 * time.Second
)

// Session orchestrates one named development session against a provider
// and, optionally, an edge.
type Session struct {
	cfg Config

	sandboxID   string
	tunnelID    string
	tunnelToken string

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// New builds a session from its config. Resume state in the config seeds
// the in-memory identifiers.
func New(cfg Config) *Session {
	return &Session{
		cfg:         cfg,
		sandboxID:   cfg.SandboxID,
		tunnelID:    cfg.TunnelID,
		tunnelToken: cfg.TunnelToken,
		sleep:       time.Sleep,
	}
}

// SandboxID returns the current sandbox identifier, empty before Start.
func (s *Session) SandboxID() string { return s.sandboxID }

// TunnelID returns the current tunnel identifier, empty without an edge.
func (s *Session) TunnelID() string { return s.tunnelID }

// TunnelToken returns the tunnel connector token, empty without an edge.
func (s *Session) TunnelToken() string { return s.tunnelToken }

// Hostname returns the public hostname, empty without an edge.
func (s *Session) Hostname() string {
	if s.cfg.Domain == "" {
		return ""
	}
	return hostname(s.cfg.Slug, s.cfg.Domain)
}

// URL returns the tokenized public URL, empty without an edge.
func (s *Session) URL() string {
	h := s.Hostname()
	if h == "" {
		return ""
	}
	return "https://" + h + "?token=" + s.cfg.AccessToken
}

func (s *Session) name() string {
	return resourceName(s.cfg.ServiceName, s.cfg.Slug)
}

// Start provisions the session end to end: sandbox, repository, edge
// tunnel, processes, and the auth worker. On an install failure the
// sandbox is left in place so Delete can clean it up later.
func (s *Session) Start(ctx context.Context) error {
	name := s.name()

	step := ui.Begin("Creating sandbox %s", name)
	if err := s.replaceExistingSandbox(ctx, name); err != nil {
		return err
	}

	env := map[string]string{}
	for k, v := range s.cfg.Env {
		env[k] = v
	}
	for k, v := range s.cfg.AI.EnvVars() {
		env[k] = v
	}

	sb, err := s.cfg.Provider.CreateSandbox(ctx, daytona.CreateSandboxRequest{
		Snapshot:         snapshotName(s.cfg.ServiceName),
		Name:             name,
		Env:              env,
		Public:           false,
		AutoStopInterval: 0,
	})
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	s.sandboxID = sb.ID
	s.cfg.Events.sandboxCreated(sb.ID)

	if err := s.cfg.Provider.WaitForSandbox(ctx, sb.ID,
		[]string{daytona.SandboxStateStarted, daytona.SandboxStateRunning},
		sandboxStartTimeout); err != nil {
		return fmt.Errorf("sandbox %s did not start: %w", sb.ID, err)
	}
	step.Done()

	if s.cfg.GitRepo != "" {
		step = ui.Begin("Cloning %s", s.cfg.GitRepo)
		if err := s.cloneRepo(ctx); err != nil {
			return err
		}
		step.Done()
	}

	if s.cfg.Edge != nil {
		step = ui.Begin("Configuring tunnel")
		if err := s.ensureTunnel(ctx, name); err != nil {
			return err
		}
		step.Done()
	}

	step = ui.Begin("Writing Procfile")
	if err := s.cfg.Provider.UploadFile(ctx, s.sandboxID,
		codePath+"/Procfile", procfile(s.cfg.Processes)); err != nil {
		return fmt.Errorf("upload Procfile: %w", err)
	}
	step.Done()

	step = ui.Begin("Preparing PostgreSQL")
	if err := s.setupPostgres(ctx); err != nil {
		return err
	}
	step.Done()

	for _, inst := range s.cfg.Install {
		step = ui.Begin("Running %s", inst.Name)
		s.cfg.Events.installStart(inst)
		result, err := s.shell(ctx, s.projectCommand(inst.Command), installTimeout)
		if err != nil {
			return fmt.Errorf("install step %q: %w", inst.Command, err)
		}
		s.cfg.Events.installComplete(inst, result.ExitCode, result.Output)
		if result.ExitCode != 0 {
			step.Warning(fmt.Sprintf("exit code %d", result.ExitCode))
			return &InstallError{Step: inst, ExitCode: result.ExitCode, Output: result.Output}
		}
		step.Done()
	}

	step = ui.Begin("Starting processes")
	if err := s.startProcesses(ctx); err != nil {
		return err
	}
	step.Done()

	if s.cfg.Edge != nil {
		step = ui.Begin("Connecting tunnel")
		if err := s.startTunnelDaemon(ctx); err != nil {
			return err
		}
		step.Done()

		step = ui.Begin("Deploying access worker")
		if err := s.deployWorker(ctx, name); err != nil {
			return err
		}
		step.Done()
	}

	return nil
}

func (s *Session) replaceExistingSandbox(ctx context.Context, name string) error {
	existing, err := s.cfg.Provider.FindSandboxByName(ctx, name)
	if err != nil {
		return fmt.Errorf("look up sandbox %s: %w", name, err)
	}
	if existing == nil {
		return nil
	}
	if err := s.cfg.Provider.DeleteSandbox(ctx, existing.ID); err != nil {
		return fmt.Errorf("delete stale sandbox %s: %w", existing.ID, err)
	}
	s.sleep(deletePropagationDelay)
	return nil
}

func (s *Session) cloneRepo(ctx context.Context) error {
	branch := s.cfg.GitBranch
	if branch == "" {
		branch = "main"
	}
	req := daytona.GitCloneRequest{
		URL:    normalizeGitURL(s.cfg.GitRepo),
		Path:   codePath,
		Branch: branch,
	}
	if s.cfg.GitToken != "" {
		req.Username = "x-access-token"
		req.Password = s.cfg.GitToken
	}
	if err := s.cfg.Provider.GitClone(ctx, s.sandboxID, req); err != nil {
		return fmt.Errorf("clone %s: %w", s.cfg.GitRepo, err)
	}
	return nil
}

func (s *Session) ensureTunnel(ctx context.Context, name string) error {
	host := s.Hostname()
	if s.tunnelID == "" {
		id, token, err := s.cfg.Edge.CreateTunnel(ctx, name, host)
		if err != nil {
			return fmt.Errorf("create tunnel: %w", err)
		}
		s.tunnelID, s.tunnelToken = id, token
		s.cfg.Events.tunnelCreated(id, token)
	}
	if err := s.cfg.Edge.EnsureTunnelDNS(ctx, host, s.tunnelID); err != nil {
		return fmt.Errorf("tunnel DNS: %w", err)
	}
	return nil
}

func (s *Session) setupPostgres(ctx context.Context) error {
	if _, err := s.shellCheck(ctx, "sudo service postgresql start", commandTimeout); err != nil {
		return fmt.Errorf("start postgresql: %w", err)
	}
	// The OS user becomes a superuser so project tooling can manage its own
	// databases. Both commands are idempotent across restarts.
	if _, err := s.shell(ctx, `sudo -u postgres createuser -s "$(whoami)" 2>/dev/null || true`, commandTimeout); err != nil {
		return fmt.Errorf("create postgres user: %w", err)
	}
	db := databaseName(s.cfg.Slug)
	result, err := s.shell(ctx, "createdb "+db, commandTimeout)
	if err != nil {
		return fmt.Errorf("create database %s: %w", db, err)
	}
	if result.ExitCode != 0 && !strings.Contains(result.Output, "already exists") {
		return fmt.Errorf("create database %s: %s", db, strings.TrimSpace(result.Output))
	}
	return nil
}

func (s *Session) startProcesses(ctx context.Context) error {
	if err := s.cfg.Provider.CreateSession(ctx, s.sandboxID, "app"); err != nil {
		return fmt.Errorf("create app session: %w", err)
	}
	cmd := s.projectCommand("PORT=3000 overmind start")
	if err := s.cfg.Provider.SessionExecute(ctx, s.sandboxID, "app", cmd); err != nil {
		return fmt.Errorf("start processes: %w", err)
	}
	return nil
}

func (s *Session) startTunnelDaemon(ctx context.Context) error {
	if s.tunnelToken == "" {
		return nil
	}
	if err := s.cfg.Provider.UploadFile(ctx, s.sandboxID,
		"/tmp/tunnel-token", []byte(s.tunnelToken)); err != nil {
		return fmt.Errorf("upload tunnel token: %w", err)
	}
	if err := s.cfg.Provider.CreateSession(ctx, s.sandboxID, "tunnel"); err != nil {
		return fmt.Errorf("create tunnel session: %w", err)
	}
	cmd := "cloudflared tunnel run --protocol http2 --token-file /tmp/tunnel-token"
	if err := s.cfg.Provider.SessionExecute(ctx, s.sandboxID, "tunnel", cmd); err != nil {
		return fmt.Errorf("start cloudflared: %w", err)
	}
	return nil
}

func (s *Session) deployWorker(ctx context.Context, name string) error {
	err := s.cfg.Edge.DeployWorker(ctx, cloudflare.WorkerConfig{
		Name:        name,
		AccessToken: s.cfg.AccessToken,
		Hostname:    s.Hostname(),
		Files:       s.cfg.WorkerFiles,
		Bindings:    s.cfg.WorkerBindings,
		Injection:   s.cfg.WorkerInjection,
	})
	if err != nil {
		return fmt.Errorf("deploy worker: %w", err)
	}
	return nil
}

// Run sends one prompt to the AI backend over the sandbox PTY and streams
// validated JSON event lines to onLine. It returns the conversation UUID:
// sessionID when given, a fresh one otherwise.
func (s *Session) Run(ctx context.Context, prompt string, resume bool, sessionID string, onLine func(string)) (string, error) {
	if s.sandboxID == "" {
		return "", ErrNotRunning
	}
	sb, err := s.cfg.Provider.GetSandbox(ctx, s.sandboxID)
	if err != nil {
		return "", fmt.Errorf("get sandbox %s: %w", s.sandboxID, err)
	}
	if sb.State != daytona.SandboxStateStarted && sb.State != daytona.SandboxStateRunning {
		return "", fmt.Errorf("%w: state %s", ErrNotRunning, sb.State)
	}

	id := sessionID
	if id == "" {
		id = uuid.NewString()
	}

	executor := func(ctx context.Context, command string, timeout time.Duration, onChunk func([]byte)) error {
		return s.cfg.Provider.RunPTYCommand(ctx, s.sandboxID, command, timeout, onChunk)
	}

	err = s.cfg.AI.Run(ctx, runner.RunOptions{
		Prompt:    prompt,
		SessionID: id,
		Resume:    resume,
		Dir:       codePath,
		Executor:  executor,
		OnLine:    onLine,
	})
	if err != nil {
		return id, fmt.Errorf("run prompt: %w", err)
	}
	return id, nil
}

// Stop halts the sandbox. A sandbox that no longer exists is not an error.
func (s *Session) Stop(ctx context.Context) error {
	if s.sandboxID == "" {
		return nil
	}
	if err := s.cfg.Provider.StopSandbox(ctx, s.sandboxID); err != nil && !daytona.IsNotFound(err) {
		return fmt.Errorf("stop sandbox %s: %w", s.sandboxID, err)
	}
	return nil
}

// Delete tears the session down: sandbox, worker, DNS, and tunnel.
// Cleanup failures are logged and swallowed so a half-broken session can
// always be removed.
func (s *Session) Delete(ctx context.Context) error {
	if s.sandboxID != "" {
		if err := s.cfg.Provider.StopSandbox(ctx, s.sandboxID); err != nil && !daytona.IsNotFound(err) {
			log.Printf("session: stop sandbox %s: %v", s.sandboxID, err)
		}
		if err := s.cfg.Provider.WaitForSandbox(ctx, s.sandboxID,
			[]string{daytona.SandboxStateStopped, daytona.SandboxStateError},
			sandboxStopTimeout); err != nil {
			log.Printf("session: wait for sandbox %s stop: %v", s.sandboxID, err)
		}
		if err := s.cfg.Provider.DeleteSandbox(ctx, s.sandboxID); err != nil && !daytona.IsNotFound(err) {
			log.Printf("session: delete sandbox %s: %v", s.sandboxID, err)
		}
	}
	if s.cfg.Edge != nil {
		if err := s.cfg.Edge.DeleteWorker(ctx, s.name(), s.Hostname()); err != nil {
			log.Printf("session: delete worker %s: %v", s.name(), err)
		}
		if s.tunnelID != "" {
			if err := s.cfg.Edge.DeleteTunnel(ctx, s.tunnelID); err != nil {
				log.Printf("session: delete tunnel %s: %v", s.tunnelID, err)
			}
		}
	}
	return nil
}

// ProcessStatus is one managed process and its current state.
type ProcessStatus struct {
	Name   string
	Status string
}

// ProcessStatuses reports the state of every Procfile process.
func (s *Session) ProcessStatuses(ctx context.Context) ([]ProcessStatus, error) {
	result, err := s.shellCheck(ctx, s.projectCommand("overmind status"), commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("process status: %w", err)
	}
	return parseProcessStatuses(result.Output), nil
}

// RestartProcess restarts one Procfile process by name.
func (s *Session) RestartProcess(ctx context.Context, name string) error {
	if _, err := s.shellCheck(ctx, s.projectCommand("overmind restart "+name), commandTimeout); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	return nil
}

// ProcessLogs streams or dumps logs. With follow it attaches to the live
// process-manager output over the PTY until ctx is cancelled; otherwise it
// captures the last lines of the named process's pane.
func (s *Session) ProcessLogs(ctx context.Context, name string, lines int, follow bool, onChunk func([]byte)) error {
	if follow {
		cmd := "cd " + codePath + " && " + runner.MisePathExport + " && overmind echo"
		return s.cfg.Provider.RunPTYCommand(ctx, s.sandboxID, cmd, 0, onChunk)
	}
	if lines <= 0 {
		lines = 100
	}
	capture := fmt.Sprintf("tmux -S ./.overmind.sock capture-pane -p -t %s -S -%d", name, lines)
	result, err := s.shellCheck(ctx, "cd "+codePath+" && "+capture, commandTimeout)
	if err != nil {
		return fmt.Errorf("logs for %s: %w", name, err)
	}
	onChunk([]byte(result.Output))
	return nil
}

// projectCommand wraps cmd to run inside the project directory with the
// toolchain on PATH and the session database selected.
func (s *Session) projectCommand(cmd string) string {
	return "cd " + codePath + " && " + runner.MisePathExport +
		" && POSTGRES_DB=" + databaseName(s.cfg.Slug) + " " + cmd
}

// shell runs command through sh -c and returns the result regardless of
// exit code.
func (s *Session) shell(ctx context.Context, command string, timeout time.Duration) (*daytona.ExecResult, error) {
	return s.cfg.Provider.ExecuteCommand(ctx, s.sandboxID, "sh -c "+shellQuote(command), timeout)
}

// shellCheck is shell but treats a non-zero exit code as an error.
func (s *Session) shellCheck(ctx context.Context, command string, timeout time.Duration) (*daytona.ExecResult, error) {
	result, err := s.shell(ctx, command, timeout)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("command %q exited %d: %s",
			command, result.ExitCode, strings.TrimSpace(result.Output))
	}
	return result, nil
}

// procfile renders the process map in stable order.
func procfile(processes map[string]string) []byte {
	names := make([]string, 0, len(processes))
	for name := range processes {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(processes[name])
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// parseProcessStatuses reads "name | status" lines, skipping anything that
// does not match.
func parseProcessStatuses(output string) []ProcessStatus {
	var statuses []ProcessStatus
	for _, line := range strings.Split(output, "\n") {
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		status := strings.TrimSpace(parts[1])
		if name == "" || status == "" {
			continue
		}
		statuses = append(statuses, ProcessStatus{Name: name, Status: status})
	}
	return statuses
}

// normalizeGitURL converts scp-style git addresses to https so token auth
// works. Other forms pass through unchanged.
func normalizeGitURL(repo string) string {
	if !strings.HasPrefix(repo, "git@") {
		return repo
	}
	rest := strings.TrimPrefix(repo, "git@")
	host, path, ok := strings.Cut(rest, ":")
	if !ok {
		return repo
	}
	return "https://" + host + "/" + path
}
