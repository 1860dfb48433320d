package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset [task_id...]",
	Short: "Return FAILED or CANCELLED tasks to PENDING with a fresh retry budget",
	Args:  cobra.MinimumNArgs(1),
	Run:   runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openCollector(ctx)
	defer func() {
		_ = app.Close()
	}()

	failed := false
	for _, id := range args {
		if err := app.Engine().Reset(ctx, id); err != nil {
			slog.Error("Failed to reset task", "task", id, "error", err)
			failed = true
			continue
		}
		fmt.Printf("Task %s reset to PENDING\n", id)
	}
	if failed {
		os.Exit(1)
	}
}
