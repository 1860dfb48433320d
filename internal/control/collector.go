package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/raulk/clock"

	"github.com/vietddude/collector/internal/collection/engine"
	"github.com/vietddude/collector/internal/collection/executor"
	"github.com/vietddude/collector/internal/collection/health"
	"github.com/vietddude/collector/internal/collection/retry"
	"github.com/vietddude/collector/internal/collection/scheduler"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/core/taskstate"
	"github.com/vietddude/collector/internal/core/worker"
	redisclient "github.com/vietddude/collector/internal/infra/redis"
	"github.com/vietddude/collector/internal/infra/query"
	"github.com/vietddude/collector/internal/infra/storage"
	"github.com/vietddude/collector/internal/infra/storage/memory"
	"github.com/vietddude/collector/internal/infra/storage/postgres"
)

// finishGrace bounds the wait for cancelled runs after the shutdown deadline.
const finishGrace = 2 * time.Second

// Collector is the main application struct that wires the engine and its
// background workers together.
type Collector struct {
	cfg          Config
	engine       *engine.Engine
	scheduler    *scheduler.Scheduler
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	grpcHealth   *health.GRPCServer
	router       *query.Router
	agent        *query.GRPCAdapter
	tasks        storage.TaskRepository
	hosts        storage.HostRepository
	db           *postgres.DB
	redisClient  *redisclient.Client
	clock        clock.Clock
	cancel       context.CancelFunc
	log          *slog.Logger
}

// NewCollector creates a new Collector with all dependencies initialized.
func NewCollector(ctx context.Context, cfg Config) (*Collector, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := slog.Default().With("component", "collector")

	// 1. Initialize Storage
	var tasks storage.TaskRepository
	var hosts storage.HostRepository
	var results storage.ResultRepository
	var retries storage.RetryQueue
	var db *postgres.DB
	var store *memory.MemoryStorage

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		tasks = postgres.NewTaskRepo(db)
		hosts = postgres.NewHostRepo(db)
		results = postgres.NewResultRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store = memory.NewMemoryStorage()
		tasks = memory.NewTaskRepo(store)
		hosts = memory.NewHostRepo(store)
		results = memory.NewResultRepo(store)
		log.Info("Using Memory storage")
	}

	// 2. Retry queue: Redis when configured, otherwise in process
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, using in-memory retry queue", "error", err)
		} else {
			retries = redisclient.NewRetryQueue(redisClient)
			log.Info("Using Redis retry queue")
		}
	}
	if retries == nil {
		if store == nil {
			store = memory.NewMemoryStorage()
		}
		retries = memory.NewRetryQueue(store)
	}

	// 3. Query adapters: probes dial directly, everything else goes to the host agent
	agent := query.NewGRPCAdapter(cfg.Query.Agent)
	router := query.NewRouter(agent)
	router.Register(domain.QueryClassProbe, query.NewProbeAdapter(cfg.Query.ProbeTimeout))

	// 4. Engine
	exec := executor.New(hosts, router, retry.NewSet(cfg.Policies), clk, cfg.Engine.Executor)
	eng := engine.New(engine.Deps{
		Tasks:    tasks,
		Hosts:    hosts,
		Results:  results,
		Retries:  retries,
		Executor: exec,
		Clock:    clk,
	}, cfg.Engine)
	eng.SetStateChangeCallback(func(t taskstate.Transition) {
		slog.Debug("Task transition", "task", t.TaskID, "from", t.From, "to", t.To, "reason", t.Reason)
	})

	c := &Collector{
		cfg:         cfg,
		engine:      eng,
		router:      router,
		agent:       agent,
		tasks:       tasks,
		hosts:       hosts,
		db:          db,
		redisClient: redisClient,
		clock:       clk,
		log:         log,
	}

	// 5. Background workers
	if cfg.Scheduler.Enabled && !cfg.DisableScheduler {
		c.scheduler = scheduler.New(cfg.Scheduler, eng, tasks, retries, clk)
	}
	c.pruner = worker.NewPruner(eng, cfg.Retention.Results, cfg.Retention.Interval, clk)

	// 6. Health
	c.healthMon = health.NewMonitor(eng, tasks, hosts, cfg.Health, clk)
	if !cfg.DisableServers {
		c.healthServer = health.NewServer(c.healthMon, cfg.Server.Port)
		if cfg.Server.GRPCPort > 0 {
			c.grpcHealth = health.NewGRPCServer(c.healthMon, cfg.Server.GRPCPort, clk)
		}
	}

	if err := c.seed(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Engine exposes the collection engine.
func (c *Collector) Engine() *engine.Engine {
	return c.engine
}

// Tasks exposes the task store.
func (c *Collector) Tasks() storage.TaskRepository {
	return c.tasks
}

// Hosts exposes the host store.
func (c *Collector) Hosts() storage.HostRepository {
	return c.hosts
}

// Monitor exposes the health monitor.
func (c *Collector) Monitor() *health.Monitor {
	return c.healthMon
}

// Start recovers tasks orphaned by a previous process and starts every
// background component. It does not block.
func (c *Collector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	n, err := c.engine.StopAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to cancel orphaned tasks: %w", err)
	}
	if n > 0 {
		c.log.Warn("Cancelled tasks left running by a previous process", "count", n)
	}

	if c.healthServer != nil {
		go func() {
			if err := c.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error("Health server failed", "error", err)
			}
		}()
	}
	if c.grpcHealth != nil {
		go func() {
			if err := c.grpcHealth.Start(); err != nil {
				c.log.Error("gRPC health server failed", "error", err)
			}
		}()
		go c.grpcHealth.Watch(ctx, 10*time.Second)
	}

	// Start DB Metrics Collector
	if c.db != nil {
		c.db.StartMetricsCollector(ctx)
	}

	if c.scheduler != nil {
		c.log.Info("Starting scheduler", "poll_interval", c.cfg.Scheduler.PollInterval)
		go c.scheduler.Start(ctx)
	}

	if c.cfg.Retention.Results > 0 {
		c.log.Info("Starting pruner", "retention", c.cfg.Retention.Results)
		go c.pruner.Start(ctx)
	}

	return nil
}

// Stop lets in-flight tasks finish until ctx expires, cancels whatever is
// still running and then releases every resource.
func (c *Collector) Stop(ctx context.Context) error {
	c.log.Info("Stopping Collector...")

	// stop polling and reject queued invocations before draining
	if c.cancel != nil {
		c.cancel()
	}
	c.engine.Shutdown()

	var result *multierror.Error
	drained := make(chan struct{})
	go func() {
		c.engine.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		n, err := c.engine.StopAll(context.WithoutCancel(ctx))
		if err != nil {
			result = multierror.Append(result, err)
		}
		c.log.Warn("Shutdown deadline reached, cancelled running tasks", "count", n)

		// cancelled runs still record their outcome before the store closes
		select {
		case <-drained:
		case <-time.After(finishGrace):
			c.log.Warn("Running tasks did not finish in time", "grace", finishGrace)
		}
	}

	if c.grpcHealth != nil {
		c.grpcHealth.Stop()
	}
	if c.healthServer != nil {
		if err := c.healthServer.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := c.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close releases connections without touching tasks.
func (c *Collector) Close() error {
	var result *multierror.Error
	if err := c.agent.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	// Close Redis
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close db: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// seed stores configured hosts and tasks that are not yet known.
func (c *Collector) seed(ctx context.Context) error {
	now := c.clock.Now()
	for _, h := range c.cfg.Inventory.Hosts {
		_, err := c.hosts.Get(ctx, h.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrHostNotFound) {
			return fmt.Errorf("failed to look up host %s: %w", h.ID, err)
		}
		if err := c.hosts.Save(ctx, h.Host(now)); err != nil {
			return fmt.Errorf("failed to seed host %s: %w", h.ID, err)
		}
	}
	for _, t := range c.cfg.Inventory.Tasks {
		_, err := c.tasks.Get(ctx, t.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrTaskNotFound) {
			return fmt.Errorf("failed to look up task %s: %w", t.ID, err)
		}
		if err := c.tasks.Save(ctx, t.Task(now)); err != nil {
			return fmt.Errorf("failed to seed task %s: %w", t.ID, err)
		}
	}
	if n := len(c.cfg.Inventory.Hosts) + len(c.cfg.Inventory.Tasks); n > 0 {
		c.log.Info("Inventory loaded", "hosts", len(c.cfg.Inventory.Hosts), "tasks", len(c.cfg.Inventory.Tasks))
	}
	return nil
}
