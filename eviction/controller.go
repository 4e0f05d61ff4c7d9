// Package eviction implements the per-region capacity controller: it tracks
// recency and occupancy under concurrent access and selects victims when a
// region's resource bound is exceeded.
package eviction

import (
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datagrid-io/datagrid/config"
	"github.com/datagrid-io/datagrid/internal/metrics"
	"github.com/datagrid-io/datagrid/policy"
)

// Store is the callback surface the owning region exposes to the controller.
type Store interface {
	// ApplyEviction applies the region's eviction action to key and returns
	// the occupancy it freed. It returns ok=false when the entry is pinned
	// or already gone, in which case the controller retries with the next
	// candidate.
	ApplyEviction(key string) (freed int64, ok bool)
}

// Config configures a Controller.
type Config struct {
	// Policy is the resolved eviction policy for the region.
	Policy policy.EvictionPolicy

	// Region names the owning region in logs and metrics.
	Region string

	// HeapThreshold is the heap-usage percentage that triggers eviction when
	// the policy algorithm is heap-percentage and its Limit is 0. It is
	// runtime-wide configuration injected by the grid, not part of the
	// policy itself.
	HeapThreshold float64

	// HeapSampleInterval bounds how often the process heap is sampled on the
	// write path. Defaults to one second.
	HeapSampleInterval time.Duration

	// SampleSize is the number of candidates examined per victim selection.
	// Defaults to 5.
	SampleSize int

	// TrackerShards is the shard count of the recency structure, rounded up
	// to a power of 2. Defaults to 64.
	TrackerShards int

	// HeapUsage returns the current process heap usage as a percentage.
	// Defaults to a runtime.ReadMemStats based sampler; tests substitute it.
	HeapUsage func() float64

	// OnPressure is invoked when eviction cannot bring usage under the bound
	// because no evictable candidate remains. May be nil.
	OnPressure func(usage uint64)

	Logger *zap.Logger
}

// Controller enforces one region's eviction policy.
//
// The running usage total is the only global mutable state and is maintained
// with atomic adds; recency lives in the sharded tracker. The controller
// never blocks a triggering write indefinitely: when every candidate is
// pinned the write proceeds, the overrun is reported as a pressure condition
// and surfaces through Pressure, the OnPressure hook and metrics.
type Controller struct {
	cfg   Config
	store Store
	trk   *tracker

	usage    atomic.Int64
	pressure atomic.Uint64

	heapPct       atomic.Uint64 // math.Float64bits of the last sample
	heapSampledAt atomic.Int64  // unix nanos
}

// NewController builds a controller for the given policy. Attach must be
// called before the first OnWrite.
func NewController(cfg Config) *Controller {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 5
	}
	if cfg.HeapThreshold <= 0 {
		cfg.HeapThreshold = config.DefaultHeapEvictionThreshold
	}
	if cfg.TrackerShards <= 0 {
		cfg.TrackerShards = 64
	}
	if cfg.HeapSampleInterval <= 0 {
		cfg.HeapSampleInterval = time.Second
	}
	if cfg.HeapUsage == nil {
		cfg.HeapUsage = heapUsagePercent
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		cfg: cfg,
		trk: newTracker(cfg.TrackerShards),
	}
}

// Attach wires the owning region's eviction callback.
func (c *Controller) Attach(store Store) {
	c.store = store
}

// OnWrite records a mutation that changes occupancy by delta. It is pure
// accounting: the caller invokes it under the owning shard lock, atomically
// with the map mutation, so usage and tracker membership never diverge from
// the entries that actually exist. Capacity enforcement happens in Maintain.
func (c *Controller) OnWrite(key string, delta int64, size int64) {
	c.trk.insert(key, size)
	usage := c.usage.Add(delta)
	metrics.RegionUsage.WithLabelValues(c.cfg.Region).Set(float64(usage))
}

// Maintain runs an eviction pass when the bound is exceeded. It must be
// called without the region's shard lock held: victim application re-enters
// the region.
func (c *Controller) Maintain(trigger string) {
	if !c.overLimit(c.usage.Load()) {
		return
	}
	c.evict(trigger)
}

// OnRead refreshes recency for key without changing occupancy.
func (c *Controller) OnRead(key string) {
	c.trk.touch(key)
}

// OnRemove releases occupancy for an entry that left the region, whether by
// explicit delete, expiry or eviction. Callers invoke it under the owning
// shard lock, atomically with the map delete. It never triggers an eviction
// pass.
func (c *Controller) OnRemove(key string, delta int64) {
	if c.trk.remove(key) {
		usage := c.usage.Add(-delta)
		metrics.RegionUsage.WithLabelValues(c.cfg.Region).Set(float64(usage))
	}
}

// OnOverflow records that an entry's value left memory for the overflow
// store: freed occupancy is released and the entry keeps being tracked at
// its placeholder cost. Called under the owning shard lock like OnWrite.
// It never triggers another eviction pass, so victim application can call
// it from inside one.
func (c *Controller) OnOverflow(key string, freed int64, placeholderSize int64) {
	c.trk.insert(key, placeholderSize)
	usage := c.usage.Add(-freed)
	metrics.RegionUsage.WithLabelValues(c.cfg.Region).Set(float64(usage))
}

// CurrentUsage returns the running occupancy total.
func (c *Controller) CurrentUsage() uint64 {
	u := c.usage.Load()
	if u < 0 {
		return 0
	}
	return uint64(u)
}

// Pressure returns how many writes ended over the bound with every candidate
// pinned.
func (c *Controller) Pressure() uint64 {
	return c.pressure.Load()
}

// TrackedEntries returns the number of entries the recency structure knows.
func (c *Controller) TrackedEntries() int64 {
	return c.trk.len()
}

func (c *Controller) overLimit(usage int64) bool {
	switch c.cfg.Policy.Algorithm {
	case policy.AlgorithmHeapPercentage:
		return c.heapSample() > c.heapThreshold()
	default:
		return usage > 0 && uint64(usage) > c.cfg.Policy.Limit
	}
}

func (c *Controller) heapThreshold() float64 {
	if c.cfg.Policy.Limit > 0 {
		return float64(c.cfg.Policy.Limit)
	}
	return c.cfg.HeapThreshold
}

// heapSample returns the cached heap-usage percentage, refreshing it at most
// once per HeapSampleInterval. A full ReadMemStats per mutation would be far
// too expensive on the write path.
func (c *Controller) heapSample() float64 {
	now := time.Now().UnixNano()
	last := c.heapSampledAt.Load()
	if now-last >= int64(c.cfg.HeapSampleInterval) && c.heapSampledAt.CompareAndSwap(last, now) {
		c.heapPct.Store(math.Float64bits(c.cfg.HeapUsage()))
	}
	return math.Float64frombits(c.heapPct.Load())
}

// evict selects and applies victims until usage is back at or below the
// bound or no evictable candidate remains. The triggering key is exempt so a
// write cannot immediately evict itself.
func (c *Controller) evict(trigger string) {
	start := time.Now()
	defer func() {
		metrics.EvictionDurationSeconds.WithLabelValues(c.cfg.Region).Observe(time.Since(start).Seconds())
	}()

	skip := map[string]struct{}{trigger: {}}
	evicted := 0

	// Heap-percentage passes are bounded per write: the cached sample does
	// not move while evicting, so one batch is removed and the next write
	// re-evaluates against a fresh sample.
	heapMode := c.cfg.Policy.Algorithm == policy.AlgorithmHeapPercentage
	batch := c.cfg.SampleSize

	for {
		if heapMode {
			if evicted >= batch {
				c.heapSampledAt.Store(0)
				return
			}
		} else if !c.overLimit(c.usage.Load()) {
			return
		}

		victim, found := c.trk.sampleVictim(c.cfg.SampleSize, skip)
		if !found {
			c.reportPressure()
			return
		}

		freed, ok := c.store.ApplyEviction(victim)
		if !ok {
			// Pinned or concurrently removed; try the next candidate.
			skip[victim] = struct{}{}
			continue
		}
		evicted++
		metrics.EvictionsTotal.WithLabelValues(c.cfg.Region, c.cfg.Policy.Action.String()).Inc()
		c.cfg.Logger.Debug("evicted entry",
			zap.String("region", c.cfg.Region),
			zap.String("key", victim),
			zap.String("action", c.cfg.Policy.Action.String()),
			zap.Int64("freed", freed),
		)
	}
}

func (c *Controller) reportPressure() {
	c.pressure.Add(1)
	usage := c.CurrentUsage()
	metrics.EvictionPressureTotal.WithLabelValues(c.cfg.Region).Inc()
	c.cfg.Logger.Warn("region over capacity with no evictable entries",
		zap.String("region", c.cfg.Region),
		zap.Uint64("usage", usage),
		zap.Uint64("limit", c.cfg.Policy.Limit),
	)
	if c.cfg.OnPressure != nil {
		c.cfg.OnPressure(usage)
	}
}

// heapUsagePercent samples the Go heap and reports allocated bytes as a
// percentage of the heap the runtime holds from the OS.
func heapUsagePercent() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys == 0 {
		return 0
	}
	return float64(m.HeapAlloc) / float64(m.HeapSys) * 100
}
