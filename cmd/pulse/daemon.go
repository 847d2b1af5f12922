package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pulsemon/pulse/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the pulse monitoring daemon",
	Long: `Starts the long-running service: connects to the database, runs
pending migrations, starts the scan queue and scheduler, and keeps
scanning the configured networks until stopped.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	d := daemon.New(cfg)

	// Start blocks until the daemon's signal handler asks it to
	// stop; Stop then tears the subsystems down.
	if err := d.Start(); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return d.Stop()
}
