package datagrid

import (
	"errors"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/datagrid-io/datagrid/overflow"
	"github.com/datagrid-io/datagrid/placement"
	"github.com/datagrid-io/datagrid/policy"
	"github.com/datagrid-io/datagrid/region"
)

// defaultTotalBuckets is the bucket count assumed for placement when a
// partitioned region does not configure one.
const defaultTotalBuckets = 113

// Grid is one member's collection of regions. It owns region creation:
// raw requests are resolved into an eviction policy and partition spec, and
// the resulting region is wired to its controller and, when the policy
// demands it, an overflow store.
type Grid struct {
	cfg     *gridConfig
	locator *placement.Locator

	mu      sync.RWMutex
	regions map[string]*region.Region
	closed  bool
}

// RegionDescription is the read-only view of a region's resolved
// configuration handed to the administrative and native-accessor layers.
type RegionDescription struct {
	Name                   string
	Policy                 *policy.EvictionPolicy
	Partition              policy.PartitionSpec
	HasPartitionAttributes bool
	ConcurrencyChecks      bool
	DiskSynchronous        bool
}

// GridStats summarizes the grid for monitoring.
type GridStats struct {
	Regions        int
	TotalEntries   int64
	MemoryUsage    int64
	PressureEvents uint64
}

// New creates a Grid with the given options.
//
// Example:
//
//	grid, err := datagrid.New(
//		datagrid.WithDataDir("/var/lib/datagrid"),
//		datagrid.WithHeapEvictionThreshold(75),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer grid.Close()
func New(opts ...Option) (*Grid, error) {
	cfg := defaultGridConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.dataDir == "" {
		cfg.dataDir = cfg.runtime.OverflowDir
	}

	return &Grid{
		cfg:     cfg,
		locator: placement.NewLocator(cfg.members),
		regions: make(map[string]*region.Region),
	}, nil
}

// CreateRegion resolves a region-creation request and creates the region.
//
// The raw optional fields travel as RegionOptions; resolution follows the
// documented precedence: no eviction action means no eviction policy, a
// memory limit beats an entry limit, and neither limit yields
// heap-percentage eviction against the member-wide threshold.
//
// Example:
//
//	orders, err := grid.CreateRegion("orders",
//		datagrid.WithEvictionAction("overflow-to-disk"),
//		datagrid.WithEvictionMaxMemory(256<<20),
//		datagrid.WithTotalBuckets(113),
//	)
func (g *Grid) CreateRegion(name string, opts ...RegionOption) (*region.Region, error) {
	if name == "" {
		return nil, region.ErrEmptyName
	}

	rc := &regionConfig{}
	for _, opt := range opts {
		if err := opt(rc); err != nil {
			return nil, err
		}
	}

	pol := policy.Resolve(rc.action, rc.maxMemory, rc.maxEntries, rc.sizer)

	var spec policy.PartitionSpec
	if rc.totalBuckets != nil {
		spec.SetTotalBuckets(*rc.totalBuckets)
	}
	if rc.redundantCopies != nil {
		spec.SetRedundantCopies(*rc.redundantCopies)
	}
	if rc.resolver != nil {
		spec.SetResolver(*rc.resolver)
	}
	if rc.colocatedWith != nil {
		spec.SetColocatedWith(*rc.colocatedWith)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}
	if _, exists := g.regions[name]; exists {
		return nil, &RegionError{Region: name, Op: "create", Err: ErrRegionExists}
	}

	var store *overflow.Store
	if pol != nil && pol.Action == policy.ActionOverflowToDisk {
		var err error
		store, err = overflow.Open(
			filepath.Join(g.cfg.dataDir, name+".ovf"),
			overflow.Options{
				SyncWrites:    rc.diskSynchronous,
				FlushInterval: g.cfg.runtime.OverflowFlushInterval,
				Region:        name,
				Logger:        g.cfg.logger,
			},
		)
		if err != nil {
			return nil, &RegionError{Region: name, Op: "create", Err: err}
		}
	}

	shardCount := rc.shardCount
	if shardCount <= 0 {
		shardCount = g.cfg.runtime.ShardCount
	}

	regionOpts := region.Options{
		Name:               name,
		Policy:             pol,
		Partition:          spec,
		ConcurrencyChecks:  rc.concurrencyChecks,
		DiskSynchronous:    rc.diskSynchronous,
		ShardCount:         shardCount,
		DefaultTTL:         rc.defaultTTL,
		Sizer:              rc.sizer,
		Replicator:         rc.replicator,
		Observer:           rc.observer,
		Overflow:           store,
		HeapThreshold:      g.cfg.runtime.HeapEvictionThreshold,
		HeapSampleInterval: g.cfg.runtime.HeapSampleInterval,
		EvictionSampleSize: g.cfg.runtime.EvictionSampleSize,
		Logger:             g.cfg.logger.With(zap.String("region", name)),
	}
	if rc.cleanup != nil {
		regionOpts.Cleanup = *rc.cleanup
	}

	reg, err := region.New(regionOpts)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, &RegionError{Region: name, Op: "create", Err: err}
	}

	g.regions[name] = reg
	g.cfg.logger.Info("region created",
		zap.String("region", name),
		zap.Bool("eviction", pol != nil),
		zap.Bool("partition_attributes", spec.HasExplicitAttributes()),
	)
	return reg, nil
}

// Region returns a region by name.
func (g *Grid) Region(name string) (*region.Region, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reg, ok := g.regions[name]
	return reg, ok
}

// Regions returns the names of all regions.
func (g *Grid) Regions() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.regions))
	for name := range g.regions {
		names = append(names, name)
	}
	return names
}

// DestroyRegion closes a region and removes it from the grid.
func (g *Grid) DestroyRegion(name string) error {
	g.mu.Lock()
	reg, ok := g.regions[name]
	if ok {
		delete(g.regions, name)
	}
	g.mu.Unlock()

	if !ok {
		return &RegionError{Region: name, Op: "destroy", Err: ErrRegionNotFound}
	}
	return reg.Close()
}

// DescribeRegion returns the resolved configuration of a region. The
// administrative layer consults HasPartitionAttributes to decide whether to
// send partition attributes at all.
func (g *Grid) DescribeRegion(name string) (RegionDescription, error) {
	g.mu.RLock()
	reg, ok := g.regions[name]
	g.mu.RUnlock()

	if !ok {
		return RegionDescription{}, &RegionError{Region: name, Op: "describe", Err: ErrRegionNotFound}
	}

	spec := reg.Partition()
	return RegionDescription{
		Name:                   name,
		Policy:                 reg.Policy(),
		Partition:              spec,
		HasPartitionAttributes: spec.HasExplicitAttributes(),
		ConcurrencyChecks:      reg.ConcurrencyChecks(),
		DiskSynchronous:        reg.DiskSynchronous(),
	}, nil
}

// Locator exposes the bucket-ownership helper seeded with WithMembers.
func (g *Grid) Locator() *placement.Locator {
	return g.locator
}

// OwnersForKey returns the members that should hold a key of the named
// region: the primary first, then the region's redundant copies. Colocated
// regions resolve through their colocation root so corresponding buckets
// share owners.
func (g *Grid) OwnersForKey(regionName, key string) ([]string, error) {
	g.mu.RLock()
	reg, ok := g.regions[regionName]
	g.mu.RUnlock()

	if !ok {
		return nil, &RegionError{Region: regionName, Op: "owners", Err: ErrRegionNotFound}
	}

	spec := reg.Partition()
	buckets := spec.TotalBuckets()
	if buckets == 0 {
		buckets = defaultTotalBuckets
	}
	bucket := placement.BucketFor(key, buckets)
	root := placement.ColocationRoot(regionName, spec)
	return g.locator.OwnersFor(root, bucket, spec.RedundantCopies()), nil
}

// Stats returns a snapshot of grid-wide statistics.
func (g *Grid) Stats() GridStats {
	g.mu.RLock()
	regions := make([]*region.Region, 0, len(g.regions))
	for _, reg := range g.regions {
		regions = append(regions, reg)
	}
	g.mu.RUnlock()

	stats := GridStats{Regions: len(regions)}
	for _, reg := range regions {
		stats.TotalEntries += reg.Len()
		stats.MemoryUsage += reg.MemoryUsage()
		if ctrl := reg.Controller(); ctrl != nil {
			stats.PressureEvents += ctrl.Pressure()
		}
	}
	return stats
}

// Close closes every region. Further grid operations fail with ErrClosed.
func (g *Grid) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	regions := make([]*region.Region, 0, len(g.regions))
	for _, reg := range g.regions {
		regions = append(regions, reg)
	}
	g.regions = make(map[string]*region.Region)
	g.mu.Unlock()

	var errs []error
	for _, reg := range regions {
		if err := reg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
