package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pulsemon/pulse/internal/db"
)

var (
	eventsSeverity string
	eventsLimit    int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List the device inventory audit trail",
	Long: `Lists recent inventory events such as new devices, identity changes,
port state changes, and devices going down, most recent first.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringVar(&eventsSeverity, "severity", "",
		"filter by severity (info, warning, critical)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum number of events to list")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := cmd.Context()
	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = database.Close() }()

	events, err := db.NewEventRepository(database).List(ctx, eventsSeverity, eventsLimit)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No events found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Type", "Severity", "Message")
	for _, e := range events {
		_ = table.Append([]string{
			e.CreatedAt.Local().Format(time.DateTime),
			e.EventType,
			e.Severity,
			e.Message,
		})
	}
	_ = table.Render()

	fmt.Printf("\n%d event(s)\n", len(events))
	return nil
}
