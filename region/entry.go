package region

import (
	"time"
	"unsafe"

	"github.com/datagrid-io/datagrid/overflow"
)

// Entry is a stored key's value together with its runtime metadata. When the
// value has been spilled by overflow-to-disk eviction the entry turns into a
// lightweight placeholder: value is nil and ref points into the overflow log.
type Entry struct {
	value      []byte
	overflowed bool
	ref        overflow.Ref

	// version is the concurrency stamp compared on versioned writes.
	version int64

	// expiry is nil for entries that never expire.
	expiry *time.Time

	// cost is the occupancy charged to the eviction controller for this
	// entry: 1 (or 0 once overflowed) under entry-count policies, an
	// estimated byte size otherwise.
	cost int64

	// pins counts in-flight accesses; a pinned entry is never evicted.
	// Guarded by the owning shard's mutex.
	pins int32
}

// IsExpired returns true if the entry's TTL has elapsed.
func (e *Entry) IsExpired() bool {
	return e.expiry != nil && time.Now().After(*e.expiry)
}

// Version returns the entry's concurrency stamp.
func (e *Entry) Version() int64 { return e.version }

// Overflowed reports whether the value currently lives in the overflow log.
func (e *Entry) Overflowed() bool { return e.overflowed }

// estimateSize is the default object sizer: the entry struct itself plus key
// and value payloads.
//
// safe: intentional use of unsafe.Sizeof for memory accounting
func estimateSize(key string, value []byte) int64 {
	return int64(unsafe.Sizeof(Entry{})) + int64(len(key)) + int64(len(value))
}
