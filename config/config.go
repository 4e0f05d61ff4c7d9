// Package config loads runtime-wide grid settings from the environment.
// These are member-level knobs (heap thresholds, overflow placement) that
// intentionally live outside any single region's policy.
package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultHeapEvictionThreshold is the heap-usage percentage applied when a
// heap-percentage policy carries limit 0 and no override was configured.
const DefaultHeapEvictionThreshold = 80.0

// Config validation errors
var (
	ErrInvalidHeapThreshold  = errors.New("heap_eviction_threshold must be greater than 0 and at most 100")
	ErrInvalidSampleInterval = errors.New("heap_sample_interval must be positive")
	ErrInvalidOverflowDir    = errors.New("overflow_dir cannot be empty")
	ErrInvalidFlushInterval  = errors.New("overflow_flush_interval must be positive")
	ErrInvalidShardCount     = errors.New("shard_count must be positive")
	ErrInvalidEvictionSample = errors.New("eviction_sample_size must be positive")
)

// Runtime holds member-wide configuration, loaded from DATAGRID_* variables.
type Runtime struct {
	// HeapEvictionThreshold is the default heap-usage percentage for
	// heap-percentage eviction policies.
	HeapEvictionThreshold float64 `split_words:"true" default:"80"`

	// HeapSampleInterval bounds how often the process heap is sampled.
	HeapSampleInterval time.Duration `split_words:"true" default:"1s"`

	// OverflowDir is where regions place their overflow logs.
	OverflowDir string `split_words:"true" default:"./overflow"`

	// OverflowFlushInterval is the background flush period for regions that
	// are not disk-synchronous.
	OverflowFlushInterval time.Duration `split_words:"true" default:"10ms"`

	// ShardCount is the default shard count for regions and trackers.
	ShardCount int `split_words:"true" default:"64"`

	// EvictionSampleSize is the candidate sample per victim selection.
	EvictionSampleSize int `split_words:"true" default:"5"`
}

// Default returns the built-in runtime configuration.
func Default() Runtime {
	return Runtime{
		HeapEvictionThreshold: DefaultHeapEvictionThreshold,
		HeapSampleInterval:    time.Second,
		OverflowDir:           "./overflow",
		OverflowFlushInterval: 10 * time.Millisecond,
		ShardCount:            64,
		EvictionSampleSize:    5,
	}
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present.
func Load() (Runtime, error) {
	_ = godotenv.Load()

	var rt Runtime
	if err := envconfig.Process("datagrid", &rt); err != nil {
		return Runtime{}, err
	}
	if err := rt.Validate(); err != nil {
		return Runtime{}, err
	}
	return rt, nil
}

// Validate checks the configuration and returns an error if invalid
func (r Runtime) Validate() error {
	if r.HeapEvictionThreshold <= 0 || r.HeapEvictionThreshold > 100 {
		return ErrInvalidHeapThreshold
	}
	if r.HeapSampleInterval <= 0 {
		return ErrInvalidSampleInterval
	}
	if r.OverflowDir == "" {
		return ErrInvalidOverflowDir
	}
	if r.OverflowFlushInterval <= 0 {
		return ErrInvalidFlushInterval
	}
	if r.ShardCount <= 0 {
		return ErrInvalidShardCount
	}
	if r.EvictionSampleSize <= 0 {
		return ErrInvalidEvictionSample
	}
	return nil
}
