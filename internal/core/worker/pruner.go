package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/raulk/clock"
)

// Cleaner removes collection results older than a cutoff.
type Cleaner interface {
	CleanupExpired(ctx context.Context, before time.Time) (int64, error)
}

// Pruner deletes old results based on the retention period.
type Pruner struct {
	cleaner   Cleaner
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker. A zero interval derives one from
// the retention period.
func NewPruner(cleaner Cleaner, retention, interval time.Duration, clk clock.Clock) *Pruner {
	if interval <= 0 {
		// 10% of the retention period, between a minute and an hour
		interval = min(retention/10, time.Hour)
		interval = max(interval, time.Minute)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Pruner{
		cleaner:   cleaner,
		retention: retention,
		interval:  interval,
		clock:     clk,
		log:       slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune removes results collected before now minus the retention period.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.clock.Now().Add(-p.retention)
	n, err := p.cleaner.CleanupExpired(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune results", "before", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		p.log.Info("Pruned expired results", "count", n, "before", cutoff)
	}
	return n
}
