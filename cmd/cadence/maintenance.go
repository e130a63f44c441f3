package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one scheduler sweep and exit",
	RunE:  runSweep,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete processed events past retention",
	RunE:  runCleanup,
}

var cleanupOlderThan time.Duration

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Delete events older than this (default events.retention)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	fmt.Printf("Database schema is up to date (%s)\n", cfg.Database.Driver)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	res, err := application.Sweep(context.Background())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("Due: %d\n", res.Due)
	fmt.Printf("  Sent:      %d\n", res.Sent)
	fmt.Printf("  Skipped:   %d\n", res.Skipped)
	fmt.Printf("  Deferred:  %d\n", res.Deferred)
	fmt.Printf("  Retrying:  %d\n", res.Retrying)
	fmt.Printf("  Failed:    %d\n", res.Failed)
	fmt.Printf("  Contended: %d\n", res.Contended)
	fmt.Printf("Enrolled: %d\n", res.Enrolled)
	fmt.Printf("Sequences completed: %d\n", res.Completed)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cleanupOlderThan < 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	res, err := application.Cleanup(context.Background(), cleanupOlderThan)
	if err != nil {
		return err
	}

	fmt.Printf("Events deleted: %d\n", res.Events)
	if cfg.Sandbox.Enabled {
		fmt.Printf("Sandbox messages deleted: %d\n", res.SandboxMessages)
	}
	return nil
}
