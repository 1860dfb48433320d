package control

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/raulk/clock"

	"github.com/vietddude/collector/internal/collection/engine"
	"github.com/vietddude/collector/internal/core/config"
	"github.com/vietddude/collector/internal/core/domain"
)

func testConfig(t *testing.T, inv config.InventoryConfig) Config {
	t.Helper()
	app := config.Default()
	app.Inventory = inv
	if err := app.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return Config{
		AppConfig:      app,
		Clock:          clock.NewMock(),
		DisableServers: true,
	}
}

func listen(t *testing.T) (string, int) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { _ = lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	host, port, _ := net.SplitHostPort(lis.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func TestCollector_SeedsInventoryAndProbes(t *testing.T) {
	addr, port := listen(t)
	cfg := testConfig(t, config.InventoryConfig{
		Hosts: []config.HostConfig{{ID: "h1", Address: addr, Port: port}},
		Tasks: []config.TaskConfig{{ID: "t1", HostID: "h1", QueryClass: domain.QueryClassProbe}},
	})

	ctx := context.Background()
	c, err := NewCollector(ctx, cfg)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	defer c.Close()

	res, err := c.Engine().Execute(ctx, "t1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Succeeded() || res.RecordsCollected != 1 {
		t.Errorf("expected a successful probe, got %+v", res)
	}

	status, err := c.Engine().GetStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Status != domain.TaskStatusPending || status.SuccessfulCollections != 1 {
		t.Errorf("unexpected status after success: %+v", status)
	}

	host, err := c.Hosts().Get(ctx, "h1")
	if err != nil {
		t.Fatalf("host Get failed: %v", err)
	}
	if host.SuccessCount != 1 {
		t.Errorf("expected host success count 1, got %d", host.SuccessCount)
	}
}

func TestCollector_SeedKeepsExisting(t *testing.T) {
	cfg := testConfig(t, config.InventoryConfig{
		Hosts: []config.HostConfig{{ID: "h1", Address: "127.0.0.1"}},
		Tasks: []config.TaskConfig{{ID: "t1", HostID: "h1", QueryClass: "cpu"}},
	})
	ctx := context.Background()
	c, err := NewCollector(ctx, cfg)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	defer c.Close()

	task, _ := c.Tasks().Get(ctx, "t1")
	task.TotalCollections = 7
	if err := c.Tasks().Save(ctx, task); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := c.seed(ctx); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	got, _ := c.Tasks().Get(ctx, "t1")
	if got.TotalCollections != 7 {
		t.Errorf("seeding overwrote an existing task: %+v", got)
	}
}

func TestCollector_Lifecycle(t *testing.T) {
	cfg := testConfig(t, config.InventoryConfig{
		Hosts: []config.HostConfig{{ID: "h1", Address: "127.0.0.1"}},
	})
	ctx := context.Background()
	c, err := NewCollector(ctx, cfg)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	// a task left RUNNING by a crashed process
	orphan := &domain.Task{ID: "orphan", HostID: "h1", QueryClass: "cpu", Status: domain.TaskStatusRunning, Enabled: true, MaxRetryCount: 3}
	if err := c.Tasks().Save(ctx, orphan); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got, _ := c.Tasks().Get(ctx, "orphan")
	if got.Status != domain.TaskStatusCancelled {
		t.Errorf("expected orphaned task to be CANCELLED, got %s", got.Status)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// nothing is dispatched onto closed storage after Stop
	f := c.Engine().ExecuteAsync(ctx, "orphan")
	if _, err := f.Wait(ctx); !errors.Is(err, engine.ErrEngineShutdown) {
		t.Errorf("expected ErrEngineShutdown after Stop, got %v", err)
	}
}
