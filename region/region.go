// Package region implements the cached key->value store a grid member runs
// per region: a sharded concurrent map with version-stamped entries, TTL
// cleanup and capacity eviction driven by the eviction controller.
package region

import (
	"context"
	"errors"
	randv2 "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/datagrid-io/datagrid/eviction"
	"github.com/datagrid-io/datagrid/overflow"
	"github.com/datagrid-io/datagrid/policy"
)

// Region errors.
var (
	// ErrStaleVersion indicates a versioned write carried a concurrency
	// stamp that is not newer than the stored one.
	ErrStaleVersion = errors.New("region: stale version")

	// ErrClosed indicates the region has been closed.
	ErrClosed = errors.New("region: region is closed")

	// ErrNoOverflowStore indicates the region's policy demands
	// overflow-to-disk but no overflow store was supplied.
	ErrNoOverflowStore = errors.New("region: overflow-to-disk action requires an overflow store")

	// ErrEmptyName indicates a region was created without a name.
	ErrEmptyName = errors.New("region: name cannot be empty")
)

// shard is a single slice of the region's key space with its own lock
type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Options configures a Region.
type Options struct {
	// Name identifies the region in logs, metrics and replication.
	Name string

	// Policy is the resolved eviction policy; nil means the region never
	// evicts.
	Policy *policy.EvictionPolicy

	// Partition is the resolved partition spec, immutable once attached.
	Partition policy.PartitionSpec

	// ConcurrencyChecks enables concurrency-stamp comparison on versioned
	// writes.
	ConcurrencyChecks bool

	// DiskSynchronous mirrors the overflow store's write mode; carried here
	// so collaborators can introspect the region's durability setting.
	DiskSynchronous bool

	// ShardCount is rounded up to a power of 2. Defaults to 64.
	ShardCount int

	// DefaultTTL, when positive, applies to entries written without an
	// explicit TTL.
	DefaultTTL time.Duration

	// Cleanup tunes the background TTL sweep.
	Cleanup CleanupConfig

	// Sizer overrides the default object sizer for byte-cost accounting.
	// A sizer carried by the policy takes precedence.
	Sizer policy.ObjectSizer

	// Replicator propagates distributed destroys. May be nil.
	Replicator Replicator

	// Observer receives eviction, expiry and pressure events. May be nil.
	Observer Observer

	// Overflow is the spill log used by the overflow-to-disk action. The
	// region takes ownership and closes it on Close.
	Overflow *overflow.Store

	// HeapThreshold and HeapSampleInterval tune heap-percentage eviction;
	// zero values fall back to the runtime-wide defaults.
	HeapThreshold      float64
	HeapSampleInterval time.Duration

	// EvictionSampleSize is the candidate sample per victim selection.
	EvictionSampleSize int

	Logger *zap.Logger
}

// Region is one member's runtime state for a named region.
type Region struct {
	opts      Options
	pol       *policy.EvictionPolicy
	sizer     policy.ObjectSizer
	shards    []shard
	shardMask uint64

	ctrl   *eviction.Controller
	store  *overflow.Store
	flight singleflight.Group
	logger *zap.Logger

	// compactMu serializes overflow compaction against spills: a record
	// appended mid-compaction could otherwise be dropped before its
	// placeholder is installed.
	compactMu sync.RWMutex

	// rng drives cleanup sampling; only the cleanup goroutine touches it.
	rng *randv2.Rand

	closed      atomic.Bool
	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New creates a region from resolved configuration. The eviction controller
// is created and attached here; callers reach it through Controller.
func New(opts Options) (*Region, error) {
	if opts.Name == "" {
		return nil, ErrEmptyName
	}
	if opts.Policy != nil && opts.Policy.Action == policy.ActionOverflowToDisk && opts.Overflow == nil {
		return nil, ErrNoOverflowStore
	}
	if opts.ShardCount <= 0 {
		opts.ShardCount = 64
	}
	if opts.Cleanup.SampleSize == 0 {
		opts.Cleanup = CleanupConfigDefault
	}
	if opts.Cleanup.Interval <= 0 {
		opts.Cleanup.Interval = CleanupConfigDefault.Interval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	n := nextPowerOf2(opts.ShardCount)
	r := &Region{
		opts:        opts,
		pol:         opts.Policy,
		shards:      make([]shard, n),
		shardMask:   uint64(n - 1),
		store:       opts.Overflow,
		logger:      opts.Logger,
		rng:         randv2.New(randv2.NewPCG(uint64(time.Now().UnixNano()), 0)),
		cleanupStop: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*Entry)
	}

	r.sizer = policy.SizerFunc(estimateSize)
	if opts.Sizer != nil {
		r.sizer = opts.Sizer
	}
	if opts.Policy != nil && opts.Policy.Sizer != nil {
		r.sizer = opts.Policy.Sizer
	}

	if opts.Policy != nil {
		r.ctrl = eviction.NewController(eviction.Config{
			Policy:             *opts.Policy,
			Region:             opts.Name,
			HeapThreshold:      opts.HeapThreshold,
			HeapSampleInterval: opts.HeapSampleInterval,
			SampleSize:         opts.EvictionSampleSize,
			Logger:             opts.Logger,
			OnPressure: func(usage uint64) {
				if opts.Observer != nil {
					opts.Observer.OnPressure(usage)
				}
			},
		})
		r.ctrl.Attach(r)
	}

	go r.cleanupLoop()

	return r, nil
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

func (r *Region) shardFor(key string) *shard {
	return &r.shards[xxhash.Sum64String(key)&r.shardMask]
}

// cost returns the occupancy charged for an entry under the region's policy.
func (r *Region) cost(key string, value []byte, overflowed bool) int64 {
	if r.pol != nil && r.pol.Algorithm == policy.AlgorithmEntryCount {
		if overflowed {
			return 0
		}
		return 1
	}
	if overflowed {
		return estimateSize(key, nil)
	}
	return r.sizer.SizeOf(key, value)
}

// Put stores a value, stamping it with a fresh version.
func (r *Region) Put(key string, value []byte) error {
	return r.put(key, value, r.defaultExpiry(), 0, false)
}

// PutWithTTL stores a value that expires after ttl.
func (r *Region) PutWithTTL(key string, value []byte, ttl time.Duration) error {
	expiry := time.Now().Add(ttl)
	return r.put(key, value, &expiry, 0, false)
}

// PutIfVersion stores a value carrying an explicit concurrency stamp. When
// concurrency checks are enabled the write is rejected with ErrStaleVersion
// unless version is newer than the stored stamp.
func (r *Region) PutIfVersion(key string, value []byte, version int64) error {
	return r.put(key, value, r.defaultExpiry(), version, true)
}

func (r *Region) defaultExpiry() *time.Time {
	if r.opts.DefaultTTL <= 0 {
		return nil
	}
	e := time.Now().Add(r.opts.DefaultTTL)
	return &e
}

func (r *Region) put(key string, value []byte, expiry *time.Time, version int64, versioned bool) error {
	if r.closed.Load() {
		return ErrClosed
	}

	sh := r.shardFor(key)
	cost := r.cost(key, value, false)

	sh.mu.Lock()
	old, exists := sh.entries[key]
	if exists && versioned && r.opts.ConcurrencyChecks && version <= old.version {
		sh.mu.Unlock()
		return ErrStaleVersion
	}
	if !versioned {
		version = time.Now().UnixNano()
		if exists && version <= old.version {
			version = old.version + 1
		}
	}

	e := &Entry{
		value:   append([]byte(nil), value...),
		version: version,
		expiry:  expiry,
		cost:    cost,
	}
	if exists {
		// Pins belong to the key, not to one value generation.
		e.pins = old.pins
	}
	sh.entries[key] = e

	var delta int64
	if exists {
		delta = cost - old.cost
	} else {
		delta = cost
	}
	// Accounting stays atomic with the map mutation; a racing Delete must
	// see the controller and the map agree on this key.
	if r.ctrl != nil {
		r.ctrl.OnWrite(key, delta, cost)
	}
	sh.mu.Unlock()

	// Victim application re-enters the region, so enforcement runs without
	// the shard lock held.
	if r.ctrl != nil {
		r.ctrl.Maintain(key)
	}
	return nil
}

// Get returns the value for key. Overflowed entries are promoted back into
// memory transparently; the promotion counts as a write for occupancy. Fetch
// failures (stale reference, timeout) surface as the error.
func (r *Region) Get(ctx context.Context, key string) ([]byte, bool, error) {
	sh := r.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	if !ok {
		sh.mu.RUnlock()
		return nil, false, nil
	}
	if e.IsExpired() {
		sh.mu.RUnlock()
		r.deleteExpired(key)
		return nil, false, nil
	}
	if !e.overflowed {
		out := make([]byte, len(e.value))
		copy(out, e.value)
		sh.mu.RUnlock()
		if r.ctrl != nil {
			r.ctrl.OnRead(key)
		}
		return out, true, nil
	}
	ref := e.ref
	version := e.version
	sh.mu.RUnlock()

	value, err := r.promote(ctx, key, ref, version)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// promote fetches an overflowed value and reinstalls it in memory.
// Concurrent readers of the same key share one fetch. A fetch that misses
// re-reads the placeholder's reference before giving up: compaction may have
// rewritten it while the fetch was in flight.
func (r *Region) promote(ctx context.Context, key string, ref overflow.Ref, version int64) ([]byte, error) {
	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		sh := r.shardFor(key)
		for {
			value, err := r.store.Fetch(ctx, ref)
			if err != nil {
				if !errors.Is(err, overflow.ErrNotFound) {
					return nil, err
				}
				sh.mu.Lock()
				e, ok := sh.entries[key]
				if !ok || !e.overflowed || e.version != version {
					sh.mu.Unlock()
					return nil, err
				}
				if e.ref != ref {
					// Compaction moved the record; retry at its new
					// position.
					ref = e.ref
					sh.mu.Unlock()
					continue
				}
				// The record is gone and the reference is current: the
				// placeholder is dead, the key reads as absent from now on.
				delete(sh.entries, key)
				if r.ctrl != nil {
					r.ctrl.OnRemove(key, e.cost)
				}
				sh.mu.Unlock()
				r.logger.Warn("dropped placeholder with stale overflow reference",
					zap.String("region", r.opts.Name), zap.String("key", key))
				return nil, err
			}

			newCost := r.cost(key, value, false)
			sh.mu.Lock()
			e, ok := sh.entries[key]
			if !ok || !e.overflowed || e.version != version {
				// The entry moved on while we were fetching; serve the
				// bytes we read and leave the entry alone.
				sh.mu.Unlock()
				return value, nil
			}
			oldCost := e.cost
			e.value = value
			e.overflowed = false
			e.cost = newCost
			if r.ctrl != nil {
				r.ctrl.OnWrite(key, newCost-oldCost, newCost)
			}
			sh.mu.Unlock()

			if r.ctrl != nil {
				r.ctrl.Maintain(key)
			}
			return value, nil
		}
	})
	if err != nil {
		return nil, err
	}

	b := v.([]byte)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Delete removes key locally and reports whether it was present. Pins do not
// protect an entry from explicit deletion, only from eviction.
func (r *Region) Delete(key string) bool {
	sh := r.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	delete(sh.entries, key)
	if r.ctrl != nil {
		r.ctrl.OnRemove(key, e.cost)
	}
	sh.mu.Unlock()
	return true
}

// Destroy removes key locally and propagates the removal through the
// replicator so redundant copies are destroyed as well.
func (r *Region) Destroy(ctx context.Context, key string) error {
	if r.closed.Load() {
		return ErrClosed
	}

	sh := r.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.entries[key]
	var version int64
	if ok {
		version = e.version
		delete(sh.entries, key)
		if r.ctrl != nil {
			r.ctrl.OnRemove(key, e.cost)
		}
	}
	sh.mu.Unlock()

	if r.opts.Replicator != nil {
		return r.opts.Replicator.DestroyEverywhere(ctx, r.opts.Name, key, version)
	}
	return nil
}

// Pin marks key as being accessed in-flight; pinned entries are never chosen
// as eviction victims. It reports whether the key exists.
func (r *Region) Pin(key string) bool {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return false
	}
	e.pins++
	return true
}

// Unpin releases one pin on key.
func (r *Region) Unpin(key string) {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok && e.pins > 0 {
		e.pins--
	}
}

// ApplyEviction applies the region's eviction action to key. It implements
// eviction.Store and reports ok=false for pinned or missing entries so the
// controller retries with its next candidate.
func (r *Region) ApplyEviction(key string) (int64, bool) {
	if r.pol == nil {
		return 0, false
	}
	if r.pol.Action == policy.ActionOverflowToDisk {
		return r.evictOverflow(key)
	}
	return r.evictDestroy(key, r.pol.Action)
}

func (r *Region) evictDestroy(key string, action policy.Action) (int64, bool) {
	sh := r.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok || e.pins > 0 {
		sh.mu.Unlock()
		return 0, false
	}
	version := e.version
	delete(sh.entries, key)
	if r.ctrl != nil {
		r.ctrl.OnRemove(key, e.cost)
	}
	sh.mu.Unlock()

	if action == policy.ActionDistributedDestroy && r.opts.Replicator != nil {
		if err := r.opts.Replicator.DestroyEverywhere(context.Background(), r.opts.Name, key, version); err != nil {
			// Local removal stands; the consistency layer owns retries.
			r.logger.Error("distributed destroy propagation failed",
				zap.String("region", r.opts.Name), zap.String("key", key), zap.Error(err))
		}
	}
	if r.opts.Observer != nil {
		r.opts.Observer.OnEvicted(key, action)
	}
	return e.cost, true
}

func (r *Region) evictOverflow(key string) (int64, bool) {
	r.compactMu.RLock()
	defer r.compactMu.RUnlock()

	sh := r.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	if !ok || e.pins > 0 || e.overflowed || e.IsExpired() {
		sh.mu.RUnlock()
		return 0, false
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	version := e.version
	sh.mu.RUnlock()

	ref, err := r.store.Spill(context.Background(), key, value)
	if err != nil {
		r.logger.Error("overflow spill failed",
			zap.String("region", r.opts.Name), zap.String("key", key), zap.Error(err))
		return 0, false
	}

	placeholderCost := r.cost(key, nil, true)
	sh.mu.Lock()
	e2, ok := sh.entries[key]
	if !ok || e2.version != version || e2.overflowed || e2.pins > 0 {
		// The entry moved on while spilling; the appended record stays
		// orphaned until compaction.
		sh.mu.Unlock()
		return 0, false
	}
	oldCost := e2.cost
	e2.value = nil
	e2.overflowed = true
	e2.ref = ref
	e2.cost = placeholderCost
	freed := oldCost - placeholderCost
	if r.ctrl != nil {
		r.ctrl.OnOverflow(key, freed, placeholderCost)
	}
	sh.mu.Unlock()

	if r.opts.Observer != nil {
		r.opts.Observer.OnEvicted(key, policy.ActionOverflowToDisk)
	}
	return freed, true
}

// CompactOverflow rewrites the overflow log keeping only records still
// referenced by a live placeholder, and rewrites those placeholders to the
// records' new positions.
func (r *Region) CompactOverflow() error {
	if r.store == nil {
		return nil
	}
	r.compactMu.Lock()
	defer r.compactMu.Unlock()
	return r.store.Compact(
		func(key string, ref overflow.Ref) bool {
			sh := r.shardFor(key)
			sh.mu.RLock()
			defer sh.mu.RUnlock()
			e, ok := sh.entries[key]
			return ok && e.overflowed && e.ref == ref
		},
		func(key string, old, new overflow.Ref) {
			sh := r.shardFor(key)
			sh.mu.Lock()
			defer sh.mu.Unlock()
			if e, ok := sh.entries[key]; ok && e.overflowed && e.ref == old {
				e.ref = new
			}
		},
	)
}

// Len returns the number of entries, including overflowed placeholders.
func (r *Region) Len() int64 {
	var count int64
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		count += int64(len(sh.entries))
		sh.mu.RUnlock()
	}
	return count
}

// MemoryUsage estimates the in-memory footprint of all entries.
func (r *Region) MemoryUsage() int64 {
	var usage int64
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for key, e := range sh.entries {
			usage += estimateSize(key, e.value)
		}
		sh.mu.RUnlock()
	}
	return usage
}

// Keys returns all non-expired keys.
func (r *Region) Keys() []string {
	keys := make([]string, 0)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for key, e := range sh.entries {
			if !e.IsExpired() {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// Name returns the region name.
func (r *Region) Name() string { return r.opts.Name }

// Policy returns the region's resolved eviction policy, nil when absent.
func (r *Region) Policy() *policy.EvictionPolicy { return r.pol }

// Partition returns a copy of the region's partition spec.
func (r *Region) Partition() policy.PartitionSpec { return r.opts.Partition }

// DiskSynchronous reports the region's durability mode for spills.
func (r *Region) DiskSynchronous() bool { return r.opts.DiskSynchronous }

// ConcurrencyChecks reports whether versioned writes are stamp-checked.
func (r *Region) ConcurrencyChecks() bool { return r.opts.ConcurrencyChecks }

// Controller exposes the region's eviction controller, nil when the region
// has no eviction policy.
func (r *Region) Controller() *eviction.Controller { return r.ctrl }

// Flush forces buffered overflow appends to disk.
func (r *Region) Flush() error {
	if r.store == nil {
		return nil
	}
	return r.store.Flush()
}

// Close stops background cleanup and closes the overflow store.
func (r *Region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.cleanupStop)
	<-r.cleanupDone

	if r.store != nil {
		return r.store.Close()
	}
	return nil
}
