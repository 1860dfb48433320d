package config

import (
	"time"

	"github.com/vietddude/collector/internal/collection/engine"
	"github.com/vietddude/collector/internal/collection/health"
	"github.com/vietddude/collector/internal/collection/retry"
	"github.com/vietddude/collector/internal/collection/scheduler"
	"github.com/vietddude/collector/internal/core/domain"
	redisclient "github.com/vietddude/collector/internal/infra/redis"
	"github.com/vietddude/collector/internal/infra/query"
	"github.com/vietddude/collector/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  postgres.Config    `yaml:"database"`
	Redis     redisclient.Config `yaml:"redis"`
	Engine    engine.Config      `yaml:"engine"`
	Policies  retry.Config       `yaml:"policies"`
	Scheduler scheduler.Config   `yaml:"scheduler"`
	Query     QueryConfig        `yaml:"query"`
	Retention RetentionConfig    `yaml:"retention"`
	Health    health.Thresholds  `yaml:"health"`
	Inventory InventoryConfig    `yaml:"inventory"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 disables the gRPC health service
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// QueryConfig configures the remote query adapters.
type QueryConfig struct {
	ProbeTimeout time.Duration    `yaml:"probe_timeout"`
	Agent        query.GRPCConfig `yaml:"agent"`
}

// RetentionConfig controls how long collection results are kept.
type RetentionConfig struct {
	Results  time.Duration `yaml:"results"`  // 0 = keep forever
	Interval time.Duration `yaml:"interval"` // how often the pruner runs
}

// InventoryConfig seeds hosts and tasks at startup. Entries already in the
// store are left untouched.
type InventoryConfig struct {
	Hosts []HostConfig `yaml:"hosts"`
	Tasks []TaskConfig `yaml:"tasks"`
}

// HostConfig describes one managed host.
type HostConfig struct {
	ID       string `yaml:"id"`
	Hostname string `yaml:"hostname"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Disabled bool   `yaml:"disabled"`
}

// TaskConfig describes one collection task.
type TaskConfig struct {
	ID            string            `yaml:"id"`
	HostID        string            `yaml:"host_id"`
	QueryClass    string            `yaml:"query_class"`
	Parameters    map[string]string `yaml:"parameters"`
	Policy        domain.PolicyKind `yaml:"policy"`
	RetryMode     domain.RetryMode  `yaml:"retry_mode"`
	Interval      time.Duration     `yaml:"interval"`
	MaxRetryCount int               `yaml:"max_retry_count"`
	Disabled      bool              `yaml:"disabled"`
}

// Host converts the entry into a domain host.
func (h HostConfig) Host(now time.Time) *domain.Host {
	hostname := h.Hostname
	if hostname == "" {
		hostname = h.ID
	}
	return &domain.Host{
		ID:        h.ID,
		Hostname:  hostname,
		Address:   h.Address,
		Port:      h.Port,
		Enabled:   !h.Disabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Task converts the entry into a PENDING domain task due immediately.
func (t TaskConfig) Task(now time.Time) *domain.Task {
	maxRetries := t.MaxRetryCount
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &domain.Task{
		ID:                 t.ID,
		HostID:             t.HostID,
		QueryClass:         t.QueryClass,
		Parameters:         t.Parameters,
		Status:             domain.TaskStatusPending,
		Policy:             t.Policy,
		RetryMode:          t.RetryMode,
		Interval:           t.Interval,
		Enabled:            !t.Disabled,
		MaxRetryCount:      maxRetries,
		NextCollectionTime: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Default returns a configuration with every default applied.
func Default() AppConfig {
	return AppConfig{
		Server:    ServerConfig{Port: 8080},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Engine:    engine.DefaultConfig(),
		Policies:  retry.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Query:     QueryConfig{ProbeTimeout: 5 * time.Second},
		Retention: RetentionConfig{Results: 30 * 24 * time.Hour, Interval: time.Hour},
		Health:    health.DefaultThresholds(),
	}
}
