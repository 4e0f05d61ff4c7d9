package policy

// Action describes what happens to an entry chosen for eviction.
type Action int

const (
	// ActionDistributedDestroy removes the entry from every member holding a
	// copy. This is the default action when a request names an action the
	// library does not recognize.
	ActionDistributedDestroy Action = iota

	// ActionLocalDestroy removes the entry from the local member only.
	ActionLocalDestroy

	// ActionOverflowToDisk spills the entry value to the overflow store and
	// leaves a placeholder in memory.
	ActionOverflowToDisk
)

// Well-known action names accepted by Resolve and ParseAction.
const (
	ActionNameLocalDestroy   = "local-destroy"
	ActionNameOverflowToDisk = "overflow-to-disk"
)

// String returns the canonical action name.
func (a Action) String() string {
	switch a {
	case ActionLocalDestroy:
		return ActionNameLocalDestroy
	case ActionOverflowToDisk:
		return ActionNameOverflowToDisk
	case ActionDistributedDestroy:
		return "distributed-destroy"
	default:
		return "unknown"
	}
}

// Algorithm describes the resource metric that triggers eviction.
type Algorithm int

const (
	// AlgorithmHeapPercentage evicts when the process-wide heap usage sample
	// exceeds a configured percentage. A policy with this algorithm carries
	// Limit 0; the effective threshold is injected runtime configuration.
	AlgorithmHeapPercentage Algorithm = iota

	// AlgorithmMemorySize evicts when the aggregate size of stored entries
	// exceeds Limit bytes.
	AlgorithmMemorySize

	// AlgorithmEntryCount evicts when the number of stored entries exceeds
	// Limit.
	AlgorithmEntryCount
)

// String returns a stable algorithm name.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmHeapPercentage:
		return "heap-percentage"
	case AlgorithmMemorySize:
		return "memory-size"
	case AlgorithmEntryCount:
		return "entry-count"
	default:
		return "unknown"
	}
}

// ObjectSizer estimates the memory cost of an entry. It is consulted only
// when the eviction algorithm is AlgorithmMemorySize.
type ObjectSizer interface {
	// SizeOf returns the estimated size in bytes of a key/value pair.
	SizeOf(key string, value []byte) int64
}

// SizerFunc adapts a plain function to the ObjectSizer interface.
type SizerFunc func(key string, value []byte) int64

// SizeOf implements ObjectSizer.
func (f SizerFunc) SizeOf(key string, value []byte) int64 { return f(key, value) }

// EvictionPolicy is a fully resolved eviction rule for one region.
//
// A nil *EvictionPolicy means the region does not evict. Policies are built
// by Resolve and are immutable once attached to a region.
type EvictionPolicy struct {
	Algorithm Algorithm
	Action    Action

	// Limit is interpreted per Algorithm: a byte count for
	// AlgorithmMemorySize, an entry count for AlgorithmEntryCount, and 0 for
	// AlgorithmHeapPercentage (the runtime-wide default threshold applies).
	Limit uint64

	// Sizer is retained only when Algorithm is AlgorithmMemorySize.
	Sizer ObjectSizer
}
