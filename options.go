package datagrid

import (
	"go.uber.org/zap"

	"github.com/datagrid-io/datagrid/config"
	"github.com/datagrid-io/datagrid/internal/logging"
)

// gridConfig holds the configuration for a Grid
type gridConfig struct {
	runtime config.Runtime
	logger  *zap.Logger
	dataDir string
	members []string
}

// defaultGridConfig returns a configuration with sensible defaults
func defaultGridConfig() *gridConfig {
	return &gridConfig{
		runtime: config.Default(),
		logger:  logging.Discard(),
	}
}

// Option represents a configuration option for a Grid
type Option func(*gridConfig) error

// WithLogger sets the structured logger used by the grid and its regions.
//
// Example:
//
//	logger, _ := zap.NewProduction()
//	WithLogger(logger)
func WithLogger(logger *zap.Logger) Option {
	return func(c *gridConfig) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithLogging builds a logger with the given format ("json" or "console")
// and level, for embedders that do not carry their own zap setup.
//
// Example:
//
//	WithLogging("console", "debug")
func WithLogging(format, level string) Option {
	return func(c *gridConfig) error {
		logger, err := logging.New(logging.Config{Format: format, Level: level})
		if err != nil {
			return err
		}
		c.logger = logger
		return nil
	}
}

// WithRuntimeConfig replaces the runtime-wide configuration wholesale.
func WithRuntimeConfig(rt config.Runtime) Option {
	return func(c *gridConfig) error {
		if err := rt.Validate(); err != nil {
			return err
		}
		c.runtime = rt
		return nil
	}
}

// WithEnvConfig loads runtime configuration from DATAGRID_* environment
// variables (and a .env file when present).
func WithEnvConfig() Option {
	return func(c *gridConfig) error {
		rt, err := config.Load()
		if err != nil {
			return err
		}
		c.runtime = rt
		return nil
	}
}

// WithDataDir sets the directory holding overflow logs, overriding the
// runtime configuration.
//
// Example:
//
//	WithDataDir("/var/lib/datagrid")
func WithDataDir(dir string) Option {
	return func(c *gridConfig) error {
		if dir == "" {
			return ErrInvalidConfig
		}
		c.dataDir = dir
		return nil
	}
}

// WithHeapEvictionThreshold sets the member-wide heap-usage percentage that
// heap-percentage policies evict against when their limit is 0.
//
// Example:
//
//	WithHeapEvictionThreshold(75)
func WithHeapEvictionThreshold(percent float64) Option {
	return func(c *gridConfig) error {
		if percent <= 0 || percent > 100 {
			return config.ErrInvalidHeapThreshold
		}
		c.runtime.HeapEvictionThreshold = percent
		return nil
	}
}

// WithShardCount sets the default shard count for regions created on this
// grid. The number is rounded up to the next power of 2 per region.
func WithShardCount(count int) Option {
	return func(c *gridConfig) error {
		if count <= 0 {
			return config.ErrInvalidShardCount
		}
		c.runtime.ShardCount = count
		return nil
	}
}

// WithMembers seeds the placement locator with the known member ids.
//
// Example:
//
//	WithMembers("server-1:40404", "server-2:40404")
func WithMembers(members ...string) Option {
	return func(c *gridConfig) error {
		c.members = append([]string(nil), members...)
		return nil
	}
}
