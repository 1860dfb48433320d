package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var cleanupBefore string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete collection results older than a cutoff",
	Run:   runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupBefore, "before", "720h", "cutoff as a duration ago (720h) or an RFC3339 time")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) {
	cutoff, err := parseCutoff(cleanupBefore, time.Now())
	if err != nil {
		fmt.Printf("Invalid --before: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app := openCollector(ctx)
	defer func() {
		_ = app.Close()
	}()

	n, err := app.Engine().CleanupExpired(ctx, cutoff)
	if err != nil {
		slog.Error("Failed to clean up results", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d results collected before %s\n", n, cutoff.Format(time.RFC3339))
}

// parseCutoff accepts either a duration before now or an absolute RFC3339 time.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("duration must not be negative: %s", s)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected a duration or RFC3339 time, got %q", s)
	}
	return t, nil
}
