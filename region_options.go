package datagrid

import (
	"time"

	"github.com/datagrid-io/datagrid/policy"
	"github.com/datagrid-io/datagrid/region"
)

// regionConfig collects the raw optional fields of a region-creation
// request, exactly as the administrative layer supplies them. CreateRegion
// feeds them through policy.Resolve and the partition-spec setters.
type regionConfig struct {
	action     string
	maxMemory  *uint64
	maxEntries *uint64
	sizer      policy.ObjectSizer

	totalBuckets    *uint32
	redundantCopies *uint32
	resolver        *string
	colocatedWith   *string

	concurrencyChecks bool
	diskSynchronous   bool
	defaultTTL        time.Duration
	cleanup           *region.CleanupConfig
	shardCount        int

	replicator region.Replicator
	observer   region.Observer
}

// RegionOption represents one raw field of a region-creation request
type RegionOption func(*regionConfig) error

// WithEvictionAction names the eviction action for the region. Without this
// option no eviction policy is created, no matter which limits are set.
// Unrecognized names fall back to distributed destroy.
//
// Example:
//
//	WithEvictionAction("overflow-to-disk")
func WithEvictionAction(name string) RegionOption {
	return func(c *regionConfig) error {
		if name == "" {
			return ErrInvalidConfig
		}
		c.action = name
		return nil
	}
}

// WithEvictionMaxMemory bounds the aggregate entry size in bytes. Takes
// precedence over WithEvictionMaxEntries when both are present.
func WithEvictionMaxMemory(bytes uint64) RegionOption {
	return func(c *regionConfig) error {
		c.maxMemory = &bytes
		return nil
	}
}

// WithEvictionMaxEntries bounds the number of in-memory entries.
func WithEvictionMaxEntries(entries uint64) RegionOption {
	return func(c *regionConfig) error {
		c.maxEntries = &entries
		return nil
	}
}

// WithObjectSizer supplies the sizer consulted for byte-cost accounting.
// It is retained only when the resolved algorithm is memory-size.
func WithObjectSizer(sizer policy.ObjectSizer) RegionOption {
	return func(c *regionConfig) error {
		c.sizer = sizer
		return nil
	}
}

// WithTotalBuckets sets the partitioned region's total bucket count.
func WithTotalBuckets(buckets uint32) RegionOption {
	return func(c *regionConfig) error {
		c.totalBuckets = &buckets
		return nil
	}
}

// WithRedundantCopies sets how many redundant copies each bucket keeps.
func WithRedundantCopies(copies uint32) RegionOption {
	return func(c *regionConfig) error {
		c.redundantCopies = &copies
		return nil
	}
}

// WithPartitionResolver names the partition resolver. An empty name clears
// the resolver without marking the spec as explicitly configured.
func WithPartitionResolver(name string) RegionOption {
	return func(c *regionConfig) error {
		c.resolver = &name
		return nil
	}
}

// WithColocatedWith colocates this region's buckets with another region's.
func WithColocatedWith(regionName string) RegionOption {
	return func(c *regionConfig) error {
		c.colocatedWith = &regionName
		return nil
	}
}

// WithConcurrencyChecks enables concurrency-stamp comparison on versioned
// writes; stale writes are rejected with ErrStaleVersion.
func WithConcurrencyChecks(enabled bool) RegionOption {
	return func(c *regionConfig) error {
		c.concurrencyChecks = enabled
		return nil
	}
}

// WithDiskSynchronous makes overflow spills return only after the record is
// durably flushed, trading write latency for crash safety.
func WithDiskSynchronous(enabled bool) RegionOption {
	return func(c *regionConfig) error {
		c.diskSynchronous = enabled
		return nil
	}
}

// WithDefaultTTL applies a time-to-live to entries written without one.
func WithDefaultTTL(ttl time.Duration) RegionOption {
	return func(c *regionConfig) error {
		if ttl < 0 {
			return ErrInvalidConfig
		}
		c.defaultTTL = ttl
		return nil
	}
}

// WithCleanupConfig tunes the background TTL sweep for the region.
func WithCleanupConfig(cfg region.CleanupConfig) RegionOption {
	return func(c *regionConfig) error {
		c.cleanup = &cfg
		return nil
	}
}

// WithRegionShardCount overrides the grid-wide shard count for this region.
func WithRegionShardCount(count int) RegionOption {
	return func(c *regionConfig) error {
		if count <= 0 {
			return ErrInvalidConfig
		}
		c.shardCount = count
		return nil
	}
}

// WithReplicator wires the distributed consistency layer used to propagate
// distributed destroys.
func WithReplicator(r region.Replicator) RegionOption {
	return func(c *regionConfig) error {
		c.replicator = r
		return nil
	}
}

// WithRegionObserver registers an observer for eviction, expiry and
// pressure events.
func WithRegionObserver(o region.Observer) RegionOption {
	return func(c *regionConfig) error {
		c.observer = o
		return nil
	}
}
