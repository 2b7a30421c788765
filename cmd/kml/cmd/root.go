package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kml-sh/kml/internal/catalog"
	"github.com/kml-sh/kml/internal/cloudflare"
	"github.com/kml-sh/kml/internal/config"
	"github.com/kml-sh/kml/internal/daytona"
	"github.com/kml-sh/kml/internal/runner"
	"github.com/kml-sh/kml/internal/runtime"
	"github.com/kml-sh/kml/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "kml",
	Short: "kml - ephemeral AI coding sessions on disposable sandboxes",
	Long: `kml provisions disposable cloud sandboxes, clones your project into them,
runs your app behind a tokenized public URL, and drives the claude CLI
inside the sandbox so you can iterate on the code conversationally.

Configuration comes from the environment (or .env) plus an optional
kml.yml in the project directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newProvider(cfg *config.Config) *daytona.Client {
	return daytona.NewClient(cfg.DaytonaAPIURL, cfg.DaytonaAPIKey)
}

// newEdge returns nil when Cloudflare is not fully configured; sessions
// then run without a public URL.
func newEdge(cfg *config.Config) session.Edge {
	if !cfg.HasCloudflare() {
		return nil
	}
	return cloudflare.NewClient(cfg.CloudflareAPIToken, cfg.CloudflareAccountID, cfg.CloudflareZoneID)
}

func newManager(cfg *config.Config) *session.Manager {
	return session.NewManager(newProvider(cfg), newEdge(cfg), runtime.NewRails(), cfg.ServiceName, cfg.CloudflareDomain)
}

func newCatalog() *catalog.Catalog {
	return catalog.New(".")
}

// newSessionConfig assembles a session from global config and the catalog
// record. Callers attach Events before constructing the session.
func newSessionConfig(cfg *config.Config, rec catalog.Record) session.Config {
	recipe := runtime.NewRails()

	install := cfg.Install
	if len(install) == 0 {
		for _, c := range recipe.DefaultInstall() {
			install = append(install, config.InstallStep{Name: c, Command: c})
		}
	}
	processes := cfg.Processes
	if len(processes) == 0 {
		processes = recipe.DefaultProcesses()
	}

	domain := ""
	if cfg.HasCloudflare() {
		domain = cfg.CloudflareDomain
	}

	return session.Config{
		Slug:        rec.Slug(),
		ServiceName: cfg.ServiceName,
		Domain:      domain,
		AI:          runner.NewClaude(cfg.AnthropicAuthToken, cfg.AnthropicBaseURL),
		Provider:    newProvider(cfg),
		Edge:        newEdge(cfg),
		GitRepo:     cfg.GitRepo,
		GitBranch:   cfg.GitBranch,
		GitToken:    cfg.GitToken,
		Install:     install,
		Processes:   processes,
		Env:         cfg.Env,
		SandboxID:   rec.SandboxID(),
		AccessToken: rec.AccessToken(),
		CreatedAt:   rec.CreatedAt(),
		TunnelID:    rec.TunnelID(),
		TunnelToken: rec.TunnelToken(),
	}
}
