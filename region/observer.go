package region

import (
	"context"

	"github.com/datagrid-io/datagrid/policy"
)

// Observer provides hooks for region lifecycle events.
type Observer interface {
	// OnEvicted is called after an entry was chosen as a victim and the
	// region's eviction action was applied to it.
	OnEvicted(key string, action policy.Action)

	// OnExpired is called when an entry is removed because its TTL elapsed.
	OnExpired(key string)

	// OnPressure is called when a write left the region over its bound
	// because every eviction candidate was pinned. The write itself has
	// succeeded; this is a reporting channel, not a failure.
	OnPressure(usage uint64)
}

// Replicator is the boundary to the distributed consistency layer. The
// distributed-destroy eviction action and Destroy propagate removals through
// it so redundant copies are destroyed as well.
type Replicator interface {
	DestroyEverywhere(ctx context.Context, region, key string, version int64) error
}
