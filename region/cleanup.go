package region

import (
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/datagrid-io/datagrid/internal/metrics"
)

// CleanupConfig holds configuration for incremental TTL cleanup
type CleanupConfig struct {
	// SampleSize is the number of keys to sample per round
	SampleSize int
	// MaxRounds is the maximum number of rounds per cleanup cycle
	MaxRounds int
	// BatchSize is the number of keys to delete in each batch
	BatchSize int
	// ExpiredThreshold continues cleanup if this fraction of sampled keys are expired
	ExpiredThreshold float64
	// Interval is the delay between cleanup cycles
	Interval time.Duration
}

// CleanupConfigDefault provides balanced cleanup behavior for most regions
var CleanupConfigDefault = CleanupConfig{
	SampleSize:       20,
	MaxRounds:        4,
	BatchSize:        10,
	ExpiredThreshold: 0.25,
	Interval:         time.Second,
}

// CleanupConfigLowLatency minimizes cleanup impact on operation latency at
// the price of expired entries lingering longer
var CleanupConfigLowLatency = CleanupConfig{
	SampleSize:       15,
	MaxRounds:        3,
	BatchSize:        8,
	ExpiredThreshold: 0.4,
	Interval:         time.Second,
}

// cleanupLoop runs in the background and removes expired entries
func (r *Region) cleanupLoop() {
	defer close(r.cleanupDone)

	ticker := time.NewTicker(r.opts.Cleanup.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.cleanupStop:
			return
		case <-ticker.C:
			r.performCleanup()
		}
	}
}

// performCleanup removes expired entries using incremental sampling, shard
// by shard so no cleanup round stalls the whole region.
func (r *Region) performCleanup() {
	for i := range r.shards {
		r.cleanupShard(&r.shards[i])
	}
}

func (r *Region) cleanupShard(sh *shard) {
	cfg := r.opts.Cleanup

	for round := 0; round < cfg.MaxRounds; round++ {
		expired := r.sampleExpired(sh, cfg.SampleSize)
		if len(expired) == 0 {
			break
		}

		r.deleteExpiredBatched(sh, expired, cfg.BatchSize)

		// Stop once the sample suggests the shard is mostly clean.
		if float64(len(expired))/float64(cfg.SampleSize) < cfg.ExpiredThreshold {
			break
		}

		runtime.Gosched()
	}
}

// sampleExpired reservoir-samples keys from a shard and returns the expired
// ones. Holding only a read lock keeps cleanup off the write path.
func (r *Region) sampleExpired(sh *shard, sampleSize int) []string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if len(sh.entries) == 0 {
		return nil
	}

	actual := sampleSize
	if len(sh.entries) < actual {
		actual = len(sh.entries)
	}

	sampled := make([]string, 0, actual)
	if len(sh.entries) <= actual {
		for key := range sh.entries {
			sampled = append(sampled, key)
		}
	} else {
		i := 0
		for key := range sh.entries {
			if i < actual {
				sampled = append(sampled, key)
			} else {
				j := r.rng.IntN(i + 1)
				if j < actual {
					sampled[j] = key
				}
			}
			i++
		}
	}

	expired := make([]string, 0, len(sampled))
	for _, key := range sampled {
		if e, ok := sh.entries[key]; ok && e.IsExpired() {
			expired = append(expired, key)
		}
	}
	return expired
}

// deleteExpiredBatched removes expired keys in batches to bound lock time.
func (r *Region) deleteExpiredBatched(sh *shard, keys []string, batchSize int) {
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		var gone []string

		sh.mu.Lock()
		for _, key := range keys[i:end] {
			if e, ok := sh.entries[key]; ok && e.IsExpired() {
				// Double-check under the write lock; accounting stays
				// atomic with the delete.
				delete(sh.entries, key)
				if r.ctrl != nil {
					r.ctrl.OnRemove(key, e.cost)
				}
				gone = append(gone, key)
			}
		}
		sh.mu.Unlock()

		for _, key := range gone {
			metrics.ExpiredEntriesTotal.WithLabelValues(r.opts.Name).Inc()
			if r.opts.Observer != nil {
				r.opts.Observer.OnExpired(key)
			}
			r.logger.Debug("entry expired", zap.String("region", r.opts.Name), zap.String("key", key))
		}

		if end < len(keys) {
			runtime.Gosched()
		}
	}
}

// deleteExpired removes a single entry found expired on the read path.
func (r *Region) deleteExpired(key string) {
	sh := r.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok || !e.IsExpired() {
		sh.mu.Unlock()
		return
	}
	delete(sh.entries, key)
	if r.ctrl != nil {
		r.ctrl.OnRemove(key, e.cost)
	}
	sh.mu.Unlock()

	metrics.ExpiredEntriesTotal.WithLabelValues(r.opts.Name).Inc()
	if r.opts.Observer != nil {
		r.opts.Observer.OnExpired(key)
	}
}
