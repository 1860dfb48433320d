package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/collector/internal/collection/classify"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/query"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe [host:port]",
	Short: "Check that a host accepts connections",
	Args:  cobra.ExactArgs(1),
	Run:   runProbe,
}

func init() {
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 3*time.Second, "dial timeout")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) {
	addr, portStr, err := net.SplitHostPort(args[0])
	if err != nil {
		fmt.Printf("Invalid endpoint: %v\n", err)
		os.Exit(1)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		fmt.Printf("Invalid port: %v\n", err)
		os.Exit(1)
	}

	host := &domain.Host{ID: args[0], Hostname: addr, Address: addr, Port: port, Enabled: true}
	records, err := query.NewProbeAdapter(probeTimeout).Query(context.Background(), host, domain.QueryClassProbe, nil)
	if err != nil {
		fmt.Printf("%s unreachable (%s): %v\n", args[0], classify.Classify(err), err)
		os.Exit(1)
	}
	fmt.Printf("%s reachable in %.2fms\n", args[0], records[0]["latency_ms"])
}
