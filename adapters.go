package datagrid

import (
	"context"

	"github.com/datagrid-io/datagrid/policy"
	"github.com/datagrid-io/datagrid/region"
)

// ObserverFuncs adapts plain functions to region.Observer. Nil fields are
// no-ops, so embedders implement only the hooks they care about.
//
// Example:
//
//	WithRegionObserver(datagrid.ObserverFuncs{
//		Evicted: func(key string, action policy.Action) {
//			log.Printf("evicted %s (%s)", key, action)
//		},
//	})
type ObserverFuncs struct {
	Evicted  func(key string, action policy.Action)
	Expired  func(key string)
	Pressure func(usage uint64)
}

// OnEvicted implements region.Observer.
func (o ObserverFuncs) OnEvicted(key string, action policy.Action) {
	if o.Evicted != nil {
		o.Evicted(key, action)
	}
}

// OnExpired implements region.Observer.
func (o ObserverFuncs) OnExpired(key string) {
	if o.Expired != nil {
		o.Expired(key)
	}
}

// OnPressure implements region.Observer.
func (o ObserverFuncs) OnPressure(usage uint64) {
	if o.Pressure != nil {
		o.Pressure(usage)
	}
}

// ReplicatorFunc adapts a function to region.Replicator.
type ReplicatorFunc func(ctx context.Context, region, key string, version int64) error

// DestroyEverywhere implements region.Replicator.
func (f ReplicatorFunc) DestroyEverywhere(ctx context.Context, regionName, key string, version int64) error {
	return f(ctx, regionName, key, version)
}

var (
	_ region.Observer   = ObserverFuncs{}
	_ region.Replicator = ReplicatorFunc(nil)
)
