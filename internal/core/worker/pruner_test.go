package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
)

type mockCleaner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (m *mockCleaner) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	if m.err != nil {
		return 0, m.err
	}
	return 3, nil
}

func (m *mockCleaner) calls() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.cutoffs...)
}

func TestPruner_PruneUsesRetention(t *testing.T) {
	clk := clock.NewMock()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clk.Set(now)

	cleaner := &mockCleaner{}
	p := NewPruner(cleaner, 24*time.Hour, time.Hour, clk)

	if n := p.Prune(context.Background()); n != 3 {
		t.Errorf("expected 3 pruned, got %d", n)
	}
	calls := cleaner.calls()
	if len(calls) != 1 || !calls[0].Equal(now.Add(-24*time.Hour)) {
		t.Errorf("unexpected cutoffs: %v", calls)
	}
}

func TestPruner_PruneError(t *testing.T) {
	cleaner := &mockCleaner{err: errors.New("db down")}
	p := NewPruner(cleaner, time.Hour, time.Minute, clock.NewMock())

	if n := p.Prune(context.Background()); n != 0 {
		t.Errorf("expected 0 on error, got %d", n)
	}
}

func TestPruner_DerivedInterval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{30 * 24 * time.Hour, time.Hour},
		{2 * time.Hour, 12 * time.Minute},
		{5 * time.Minute, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.retention.String(), func(t *testing.T) {
			p := NewPruner(&mockCleaner{}, tt.retention, 0, clock.NewMock())
			if p.interval != tt.want {
				t.Errorf("expected %v, got %v", tt.want, p.interval)
			}
		})
	}
}

func TestPruner_DisabledRetention(t *testing.T) {
	cleaner := &mockCleaner{}
	p := NewPruner(cleaner, 0, time.Minute, clock.NewMock())

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when retention is disabled")
	}
	if len(cleaner.calls()) != 0 {
		t.Error("nothing should be pruned when retention is disabled")
	}
}

func TestPruner_StartRunsOnTick(t *testing.T) {
	clk := clock.NewMock()
	cleaner := &mockCleaner{}
	p := NewPruner(cleaner, time.Hour, time.Minute, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(cleaner.calls()) >= 1 })
	clk.Add(time.Minute)
	waitFor(t, func() bool { return len(cleaner.calls()) >= 2 })

	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
