package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the kml CLI: credentials from the
// environment plus per-project settings from kml.yml.
type Config struct {
	// Daytona sandbox provider
	DaytonaAPIKey string
	DaytonaAPIURL string

	// Cloudflare edge (optional; sessions get no public URL without it)
	CloudflareAPIToken  string
	CloudflareAccountID string
	CloudflareZoneID    string
	CloudflareDomain    string

	// AI backend
	AnthropicAuthToken string
	AnthropicBaseURL   string

	// Repository
	GitRepo   string
	GitBranch string
	GitToken  string

	// ServiceName names the base snapshot; defaults to the working
	// directory basename.
	ServiceName string

	// Per-project overrides from kml.yml
	Install   []InstallStep
	Processes map[string]string
	Env       map[string]string
}

// InstallStep is one entry of the install list. YAML accepts either a bare
// command string or a {name, command} mapping.
type InstallStep struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
}

// UnmarshalYAML decodes both the scalar and the mapping form.
func (s *InstallStep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var cmd string
		if err := node.Decode(&cmd); err != nil {
			return err
		}
		s.Name = cmd
		s.Command = cmd
		return nil
	}
	type plain InstallStep
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.Command == "" {
		return fmt.Errorf("install step missing command")
	}
	if p.Name == "" {
		p.Name = p.Command
	}
	*s = InstallStep(p)
	return nil
}

// projectFile is the kml.yml schema.
type projectFile struct {
	Service   string            `yaml:"service"`
	GitRepo   string            `yaml:"git_repo"`
	GitBranch string            `yaml:"git_branch"`
	Install   []InstallStep     `yaml:"install"`
	Processes map[string]string `yaml:"processes"`
	Env       map[string]string `yaml:"env"`
}

// Load reads configuration for the given working directory: .env (if
// present), then environment variables, then kml.yml (if present).
// Real environment variables win over .env; kml.yml wins for project
// settings.
func Load(dir string) (*Config, error) {
	// godotenv never overrides variables already set in the environment.
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	cfg := &Config{
		DaytonaAPIKey: os.Getenv("DAYTONA_API_KEY"),
		DaytonaAPIURL: envOrDefault("DAYTONA_API_URL", "https://app.daytona.io/api"),

		CloudflareAPIToken:  os.Getenv("CLOUDFLARE_API_TOKEN"),
		CloudflareAccountID: os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		CloudflareZoneID:    os.Getenv("CLOUDFLARE_ZONE_ID"),
		CloudflareDomain:    os.Getenv("CLOUDFLARE_DOMAIN"),

		AnthropicAuthToken: os.Getenv("ANTHROPIC_AUTH_TOKEN"),
		AnthropicBaseURL:   os.Getenv("ANTHROPIC_BASE_URL"),

		GitRepo:   os.Getenv("GIT_REPO_URL"),
		GitBranch: "main",
		GitToken:  os.Getenv("GITHUB_TOKEN"),
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	cfg.ServiceName = filepath.Base(abs)

	if err := cfg.applyProjectFile(filepath.Join(dir, "kml.yml")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the credentials required for provisioning.
func (c *Config) Validate() error {
	if c.DaytonaAPIKey == "" {
		return fmt.Errorf("DAYTONA_API_KEY is required")
	}
	return nil
}

// HasCloudflare reports whether edge credentials are fully configured.
func (c *Config) HasCloudflare() bool {
	return c.CloudflareAPIToken != "" && c.CloudflareAccountID != "" &&
		c.CloudflareZoneID != "" && c.CloudflareDomain != ""
}

func (c *Config) applyProjectFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var pf projectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if pf.Service != "" {
		c.ServiceName = pf.Service
	}
	if pf.GitRepo != "" {
		c.GitRepo = pf.GitRepo
	}
	if pf.GitBranch != "" {
		c.GitBranch = pf.GitBranch
	}
	if len(pf.Install) > 0 {
		c.Install = pf.Install
	}
	if len(pf.Processes) > 0 {
		c.Processes = pf.Processes
	}
	if len(pf.Env) > 0 {
		c.Env = pf.Env
	}

	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
