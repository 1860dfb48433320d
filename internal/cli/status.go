package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/collector/internal/collection/engine"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/core/taskstate"
	"github.com/vietddude/collector/internal/infra/storage"
)

var (
	statusFilter string
	statusHost   string
	statsWindow  time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of every collection task",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only show tasks in this status (e.g. FAILED)")
	statusCmd.Flags().StringVar(&statusHost, "host", "", "show collection statistics of one host instead")
	statusCmd.Flags().DurationVar(&statsWindow, "window", 24*time.Hour, "statistics window")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openCollector(ctx)
	defer func() {
		_ = app.Close()
	}()

	var err error
	if statusHost != "" {
		err = printHostStatus(ctx, os.Stdout, app.Engine(), statusHost, statsWindow)
	} else {
		err = printStatus(ctx, os.Stdout, app.Engine(), app.Tasks(), domain.TaskStatus(statusFilter), statsWindow)
	}
	if err != nil {
		slog.Error("Failed to read status", "error", err)
		os.Exit(1)
	}
}

func printStatus(
	ctx context.Context,
	out io.Writer,
	eng *engine.Engine,
	tasks storage.TaskRepository,
	filter domain.TaskStatus,
	window time.Duration,
) error {
	list, err := tasks.List(ctx, filter)
	if err != nil {
		return err
	}

	seen := make(map[domain.TaskStatus]bool)
	var legend []domain.TaskStatus

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TASK\tHOST\tCLASS\tSTATUS\tRETRIES\tSUCCESS RATE\tNEXT\tLAST ERROR")
	for _, t := range list {
		s, err := eng.GetStatus(ctx, t.ID)
		if err != nil {
			return err
		}
		if !seen[s.Status] {
			seen[s.Status] = true
			legend = append(legend, s.Status)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%.1f%%\t%s\t%s\n",
			s.TaskID, s.HostID, s.QueryClass, s.Status,
			s.CurrentRetryCount, s.MaxRetryCount,
			s.SuccessRate*100, formatTime(s.NextCollectionTime), s.LastErrorMessage)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(legend) > 0 {
		_, _ = fmt.Fprintln(out)
	}
	for _, st := range legend {
		_, _ = fmt.Fprintf(out, "%s: %s\n", st, taskstate.StateDescription(st))
	}

	to := time.Now()
	stats, err := eng.Statistics(ctx, to.Add(-window), to)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "\nLast %s: %d collections, %d succeeded, %d failed (%.1f%%)\n",
		window, stats.TotalCollections, stats.SuccessCollections, stats.FailureCollections, stats.SuccessRate*100)
	return nil
}

func printHostStatus(
	ctx context.Context,
	out io.Writer,
	eng *engine.Engine,
	hostID string,
	window time.Duration,
) error {
	to := time.Now()
	s, err := eng.HostStatistics(ctx, hostID, to.Add(-window), to)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "HOST\tHOSTNAME\tADDRESS\tCOLLECTIONS\tSUCCEEDED\tFAILED\tSUCCESS RATE\tAVG DURATION")
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%.1f%%\t%s\n",
		s.HostID, s.Hostname, s.Address,
		s.TotalCollections, s.SuccessCollections, s.FailureCollections,
		s.SuccessRate*100, s.AvgDuration)
	if err := w.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "\nWindow: last %s\n", window)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
