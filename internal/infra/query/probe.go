package query

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/vietddude/collector/internal/core/domain"
)

// ProbeAdapter checks that a host accepts TCP connections on its port.
type ProbeAdapter struct {
	Timeout time.Duration
	dialer  net.Dialer
}

// NewProbeAdapter creates a probe with the given dial timeout.
func NewProbeAdapter(timeout time.Duration) *ProbeAdapter {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ProbeAdapter{Timeout: timeout}
}

// Query dials the host and returns a single record describing the connection.
func (p *ProbeAdapter) Query(
	ctx context.Context,
	host *domain.Host,
	queryClass string,
	params map[string]string,
) ([]domain.Record, error) {
	endpoint := host.Endpoint()
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return nil, domain.NewCollectionError(domain.CategoryData, host.Hostname, queryClass,
			errors.New("host has no port to probe"))
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dialer.DialContext(dialCtx, "tcp", endpoint)
	if err != nil {
		return nil, domain.NewCollectionError(domain.CategoryConnection, host.Hostname, queryClass, err)
	}
	latency := time.Since(start)
	_ = conn.Close()

	return []domain.Record{{
		"endpoint":   endpoint,
		"reachable":  true,
		"latency_ms": float64(latency.Microseconds()) / 1000,
	}}, nil
}
