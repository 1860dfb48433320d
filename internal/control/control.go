package control

import (
	"github.com/raulk/clock"

	"github.com/vietddude/collector/internal/core/config"
)

// Config holds the application configuration.
type Config struct {
	config.AppConfig

	// Clock drives the engine, scheduler and pruner. Defaults to wall time.
	Clock clock.Clock

	// DisableScheduler keeps the poll loop off even when configured, for
	// one-shot commands that only need the engine.
	DisableScheduler bool

	// DisableServers skips the HTTP and gRPC health listeners.
	DisableServers bool
}

// FromAppConfig wraps a loaded configuration.
func FromAppConfig(cfg *config.AppConfig) Config {
	return Config{AppConfig: *cfg}
}
