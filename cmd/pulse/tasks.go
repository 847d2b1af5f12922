package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pulsemon/pulse/internal/db"
)

var (
	tasksStatus string
	tasksLimit  int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List scan tasks",
	Long: `Lists scan tasks with their lifecycle state, most recent first.
Results can be filtered by task status.`,
	RunE: runTasks,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show details for a single scan task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

func init() {
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "",
		"filter by status (pending, running, completed, failed, cancelled)")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "maximum number of tasks to list")
	tasksCmd.AddCommand(taskShowCmd)
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, _ []string) error {
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

	tasks, err := db.NewTaskRepository(database).List(ctx, tasksStatus, tasksLimit)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Profile", "Target", "Status", "Priority", "Created")
	for _, t := range tasks {
		_ = table.Append([]string{
			t.ID.String(),
			t.Profile,
			t.Target,
			t.Status,
			fmt.Sprintf("%d", t.Priority),
			t.CreatedAt.Local().Format(time.DateTime),
		})
	}
	_ = table.Render()

	fmt.Printf("\n%d task(s)\n", len(tasks))
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid task ID %q: %w", args[0], err)
	}

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

	task, err := db.NewTaskRepository(database).GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}

	fmt.Printf("ID:        %s\n", task.ID)
	fmt.Printf("Profile:   %s\n", task.Profile)
	fmt.Printf("Target:    %s\n", task.Target)
	fmt.Printf("Status:    %s\n", task.Status)
	fmt.Printf("Priority:  %d\n", task.Priority)
	fmt.Printf("Created:   %s\n", task.CreatedAt.Local().Format(time.DateTime))
	if task.StartedAt != nil {
		fmt.Printf("Started:   %s\n", task.StartedAt.Local().Format(time.DateTime))
	}
	if task.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", task.CompletedAt.Local().Format(time.DateTime))
	}
	if task.Error != nil {
		fmt.Printf("Error:     %s\n", *task.Error)
	}
	return nil
}
