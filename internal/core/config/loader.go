package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/collector/internal/collection/engine"
	"github.com/vietddude/collector/internal/collection/retry"
	"github.com/vietddude/collector/internal/collection/scheduler"
)

// Load reads configuration from a YAML file over the defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults.
func Parse(data []byte) (*AppConfig, error) {
	cfg := Default()
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values a YAML file may have set explicitly.
func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	engineDefaults := engine.DefaultConfig()
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = engineDefaults.Workers
	}
	if cfg.Engine.DefaultInterval <= 0 {
		cfg.Engine.DefaultInterval = engineDefaults.DefaultInterval
	}
	if cfg.Engine.Executor.InCallDelayCap <= 0 {
		cfg.Engine.Executor.InCallDelayCap = engineDefaults.Executor.InCallDelayCap
	}
	if cfg.Engine.Executor.AnomalyThreshold <= 0 {
		cfg.Engine.Executor.AnomalyThreshold = engineDefaults.Executor.AnomalyThreshold
	}

	if cfg.Policies.Default == "" {
		cfg.Policies.Default = retry.DefaultConfig().Default
	}

	schedDefaults := scheduler.DefaultConfig()
	if cfg.Scheduler.PollInterval <= 0 {
		cfg.Scheduler.PollInterval = schedDefaults.PollInterval
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = schedDefaults.BatchSize
	}

	if cfg.Query.ProbeTimeout <= 0 {
		cfg.Query.ProbeTimeout = 5 * time.Second
	}
	if cfg.Retention.Interval <= 0 {
		cfg.Retention.Interval = time.Hour
	}
}

// Validate rejects settings the engine cannot run with.
func (c *AppConfig) Validate() error {
	if c.Engine.Executor.InCallDelayCap >= time.Second {
		return fmt.Errorf("engine.in_call_delay_cap must be below 1s, got %s", c.Engine.Executor.InCallDelayCap)
	}
	if c.Engine.Executor.AnomalyThreshold > 1 {
		return fmt.Errorf("engine.anomaly_threshold must be within (0, 1], got %v", c.Engine.Executor.AnomalyThreshold)
	}
	if c.Retention.Results < 0 {
		return fmt.Errorf("retention.results must not be negative")
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		return fmt.Errorf("server.grpc_port must differ from server.port")
	}
	hosts := make(map[string]bool, len(c.Inventory.Hosts))
	for _, h := range c.Inventory.Hosts {
		if h.ID == "" {
			return fmt.Errorf("inventory host without id")
		}
		hosts[h.ID] = true
	}
	for _, t := range c.Inventory.Tasks {
		if t.ID == "" || t.QueryClass == "" {
			return fmt.Errorf("inventory task needs id and query_class")
		}
		if !hosts[t.HostID] {
			return fmt.Errorf("inventory task %s references unknown host %q", t.ID, t.HostID)
		}
	}
	switch c.Database.Driver {
	case "", "pgx", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}
