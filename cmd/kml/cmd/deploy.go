package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Build the service's base snapshot if it does not exist",
	Long: `Build the base snapshot every session of this service boots from.
Deploy is idempotent: an existing snapshot is left untouched. Use
"kml snapshot" to force a rebuild.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		m := newManager(cfg)
		if err := m.Deploy(ctx); err != nil {
			return fmt.Errorf("failed to deploy: %w", err)
		}

		fmt.Printf("✓ Service %s ready (snapshot %s)\n", cfg.ServiceName, m.SnapshotName())
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete every session and the base snapshot",
	Long: `Tear down all remote resources for this service: every cataloged
session's sandbox, worker, DNS record, and tunnel, then the base
snapshot. Individual failures are logged and the sweep continues.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		cat := newCatalog()
		m := newManager(cfg)

		records := recordList(cat.All())
		m.Destroy(ctx, records, func(slug string) {
			if err := cat.Delete(slug); err != nil {
				fmt.Printf("warning: drop catalog record %s: %v\n", slug, err)
			} else {
				fmt.Printf("✓ Session %s removed\n", slug)
			}
		})

		if err := m.SnapshotDelete(ctx); err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}

		fmt.Printf("✓ Service %s destroyed\n", cfg.ServiceName)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Rebuild the base snapshot",
	Long:  `Rebuild the base snapshot, replacing any existing one. Running sessions keep their current sandboxes; new sessions boot from the rebuilt image.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		m := newManager(cfg)
		if err := m.SnapshotCreate(ctx); err != nil {
			return fmt.Errorf("failed to rebuild snapshot: %w", err)
		}

		fmt.Printf("✓ Snapshot %s rebuilt\n", m.SnapshotName())
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "snapshot-delete",
	Short: "Delete the base snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		m := newManager(cfg)
		if err := m.SnapshotDelete(ctx); err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}

		fmt.Printf("✓ Snapshot %s deleted\n", m.SnapshotName())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(snapshotDeleteCmd)
}
