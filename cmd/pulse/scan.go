package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsemon/pulse/internal/daemon"
	"github.com/pulsemon/pulse/internal/db"
	"github.com/pulsemon/pulse/internal/engine"
	"github.com/pulsemon/pulse/internal/metrics"
	"github.com/pulsemon/pulse/internal/recognition"
	"github.com/pulsemon/pulse/internal/recon"
)

var (
	scanProfile string
	scanTimeout time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Run a one-shot scan against a target",
	Long: `Scans a single target or network immediately, outside the scheduler,
and reconciles the results into the device inventory. The target may
be an IP address, a hostname, or a CIDR network.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanProfile, "profile", "p", db.ProfileQuick,
		"scan profile (discovery, quick, deep)")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0,
		"per-task timeout override (default is the profile timeout)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	target := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := cmd.Context()
	database, err := db.ConnectAndMigrate(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = database.Close() }()

	eng, err := engine.New(cfg.Scanning.NmapBinary)
	if err != nil {
		return err
	}

	m := metrics.New()
	vendors := recognition.NewVendorResolver(db.NewOUIRepository(database))
	reconEngine := recon.New(database, vendors, m, recon.Config{
		DebounceMisses:   cfg.Recon.DebounceMisses,
		ResolveHostnames: cfg.Recon.ResolveHostnames,
		DNSServer:        cfg.Recon.DNSServer,
	})
	executor := daemon.NewExecutor(cfg, eng, database, reconEngine, m)

	task := &db.ScanTask{
		Profile:  scanProfile,
		Target:   target,
		Priority: cfg.Scanning.DefaultPriority,
	}
	if scanTimeout > 0 {
		task.Options = &db.ScanOptions{TimeoutSeconds: int(scanTimeout.Seconds())}
	}
	if err := database.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := database.UpdateTaskStatus(ctx, task.ID, db.TaskStatusRunning, nil); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	fmt.Printf("Scanning %s (profile: %s, task: %s)...\n", target, scanProfile, task.ID)
	start := time.Now()

	if execErr := executor.Execute(ctx, task); execErr != nil {
		msg := execErr.Error()
		_ = database.UpdateTaskStatus(context.Background(), task.ID, db.TaskStatusFailed, &msg)
		return fmt.Errorf("scan failed: %w", execErr)
	}

	if err := database.UpdateTaskStatus(ctx, task.ID, db.TaskStatusCompleted, nil); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	fmt.Printf("Scan completed in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
