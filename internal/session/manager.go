package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kml-sh/kml/internal/catalog"
	"github.com/kml-sh/kml/internal/daytona"
	"github.com/kml-sh/kml/internal/runtime"
	"github.com/kml-sh/kml/internal/ui"
)

const (
	snapshotCPU  = 2
	snapshotMem  = 4
	snapshotDisk = 10

	snapshotBuildTimeout = 10 * time.Minute
)

// Manager owns the service-level resources shared by all sessions: the
// base snapshot and the destroy sweep.
type Manager struct {
	provider Provider
	// edge may be nil when no edge is configured.
	edge    Edge
	recipe  runtime.Recipe
	service string
	domain  string

	sleep func(time.Duration)
}

// NewManager builds a manager for one service.
func NewManager(provider Provider, edge Edge, recipe runtime.Recipe, service, domain string) *Manager {
	return &Manager{
		provider: provider,
		edge:     edge,
		recipe:   recipe,
		service:  service,
		domain:   domain,
		sleep:    time.Sleep,
	}
}

// SnapshotName returns the service's base snapshot name.
func (m *Manager) SnapshotName() string {
	return snapshotName(m.service)
}

// Deploy ensures the base snapshot exists, building it when missing.
// Idempotent: an existing snapshot is left untouched.
func (m *Manager) Deploy(ctx context.Context) error {
	name := m.SnapshotName()
	existing, err := m.provider.FindSnapshotByName(ctx, name)
	if err != nil {
		return fmt.Errorf("look up snapshot %s: %w", name, err)
	}
	if existing != nil {
		ui.Infof("Snapshot %s already exists", name)
		return nil
	}
	return m.buildSnapshot(ctx, name)
}

// SnapshotCreate rebuilds the base snapshot, replacing any existing one.
func (m *Manager) SnapshotCreate(ctx context.Context) error {
	name := m.SnapshotName()
	existing, err := m.provider.FindSnapshotByName(ctx, name)
	if err != nil {
		return fmt.Errorf("look up snapshot %s: %w", name, err)
	}
	if existing != nil {
		if err := m.provider.DeleteSnapshot(ctx, existing.ID); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", existing.ID, err)
		}
		m.sleep(2 * time.Second)
	}
	return m.buildSnapshot(ctx, name)
}

// SnapshotDelete removes the base snapshot. A missing snapshot is not an
// error.
func (m *Manager) SnapshotDelete(ctx context.Context) error {
	name := m.SnapshotName()
	existing, err := m.provider.FindSnapshotByName(ctx, name)
	if err != nil {
		return fmt.Errorf("look up snapshot %s: %w", name, err)
	}
	if existing == nil {
		return nil
	}
	if err := m.provider.DeleteSnapshot(ctx, existing.ID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", existing.ID, err)
	}
	return nil
}

func (m *Manager) buildSnapshot(ctx context.Context, name string) error {
	step := ui.Begin("Building snapshot %s", name)
	snap, err := m.provider.CreateSnapshot(ctx, daytona.CreateSnapshotRequest{
		Name: name,
		BuildInfo: daytona.BuildInfo{
			DockerfileContent: m.recipe.Dockerfile(),
		},
		CPU:    snapshotCPU,
		Memory: snapshotMem,
		Disk:   snapshotDisk,
	})
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", name, err)
	}
	if err := m.provider.WaitForSnapshot(ctx, snap.ID, snapshotBuildTimeout); err != nil {
		return fmt.Errorf("snapshot %s build: %w", name, err)
	}
	step.Done()
	return nil
}

// Destroy removes every cataloged session's remote resources, calling
// onDelete after each one so the caller can drop the catalog record.
// Individual failures are logged and the sweep continues.
func (m *Manager) Destroy(ctx context.Context, records []catalog.Record, onDelete func(slug string)) {
	for _, rec := range records {
		slug := rec.Slug()

		if id := rec.SandboxID(); id != "" {
			if err := m.provider.StopSandbox(ctx, id); err != nil && !daytona.IsNotFound(err) {
				log.Printf("destroy: stop sandbox %s: %v", id, err)
			}
			if err := m.provider.DeleteSandbox(ctx, id); err != nil && !daytona.IsNotFound(err) {
				log.Printf("destroy: delete sandbox %s: %v", id, err)
			}
		}

		if m.edge != nil {
			name := resourceName(m.service, slug)
			host := hostname(slug, m.domain)
			if err := m.edge.DeleteWorker(ctx, name, host); err != nil {
				log.Printf("destroy: delete worker %s: %v", name, err)
			}
			if id := rec.TunnelID(); id != "" {
				if err := m.edge.DeleteTunnel(ctx, id); err != nil {
					log.Printf("destroy: delete tunnel %s: %v", id, err)
				}
			}
		}

		if onDelete != nil {
			onDelete(slug)
		}
	}
}
