// Package datagrid provides an in-memory data grid member with
// capacity-based eviction and disk overflow.
//
// A Grid hosts named regions. Each region is created from a raw request
// whose optional fields are resolved into an eviction policy and a
// partition spec, mirroring how the configuration travels from an
// administrative client to a data member.
//
// Basic usage:
//
//	grid, err := datagrid.New(
//		datagrid.WithDataDir("/var/lib/datagrid"),
//		datagrid.WithLogging("json", "info"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer grid.Close()
//
//	orders, err := grid.CreateRegion("orders",
//		datagrid.WithEvictionAction("overflow-to-disk"),
//		datagrid.WithEvictionMaxMemory(256<<20),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	orders.Put("order:1", payload)
//	value, ok, err := orders.Get(ctx, "order:1")
//
// The library supports:
//
//   - Eviction by entry count, memory size, or member heap percentage
//   - Overflow-to-disk with an append-only log and background compaction
//   - TTL expiry with a sampled background sweep
//   - Versioned writes with concurrency-stamp conflict detection
//   - Bucket placement via rendezvous hashing with colocation
//   - Prometheus metrics and structured logging
//
// For more examples and advanced usage, see the examples/ directory.
package datagrid
