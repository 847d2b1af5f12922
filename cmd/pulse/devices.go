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
	devicesStatus  string
	devicesNetwork string
	devicesLimit   int
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices in the inventory",
	Long: `Lists known devices with their address, identity, and liveness state.
Results can be filtered by device status or restricted to a CIDR network.`,
	RunE: runDevices,
}

func init() {
	devicesCmd.Flags().StringVar(&devicesStatus, "status", "", "filter by status (up, down)")
	devicesCmd.Flags().StringVar(&devicesNetwork, "network", "", "restrict to a CIDR network")
	devicesCmd.Flags().IntVar(&devicesLimit, "limit", 50, "maximum number of devices to list")
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, _ []string) error {
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

	repo := db.NewDeviceRepository(database)

	var devices []*db.Device
	if devicesNetwork != "" {
		devices, err = repo.ListInNetwork(ctx, devicesNetwork)
	} else {
		devices, err = repo.List(ctx, devicesStatus, devicesLimit)
	}
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("IP", "MAC", "Hostname", "Vendor", "Type", "Status", "Last Seen")
	for _, d := range devices {
		_ = table.Append([]string{
			d.IPAddress.String(),
			macColumn(d.MACAddress),
			strColumn(d.Hostname),
			strColumn(d.Vendor),
			d.DeviceType,
			d.Status,
			d.LastSeen.Local().Format(time.DateTime),
		})
	}
	_ = table.Render()

	fmt.Printf("\n%d device(s)\n", len(devices))
	return nil
}

func strColumn(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func macColumn(mac *db.MACAddr) string {
	if mac == nil {
		return "-"
	}
	return mac.String()
}
