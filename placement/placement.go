// Package placement maps keys to buckets and buckets to owning members.
// Membership itself is external; the locator is a pure helper the embedding
// runtime consults when it needs ownership hints.
package placement

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/datagrid-io/datagrid/policy"
)

// BucketFor maps a key to one of totalBuckets buckets. A zero bucket count
// collapses everything into bucket 0.
func BucketFor(key string, totalBuckets uint32) uint32 {
	if totalBuckets == 0 {
		return 0
	}
	return uint32(xxhash.Sum64String(key) % uint64(totalBuckets))
}

// ColocationRoot returns the region whose bucket placement this region must
// follow: its colocation target when one is configured, itself otherwise.
// Colocated regions hash placement with the root's name, so corresponding
// buckets land on the same members by construction.
func ColocationRoot(name string, spec policy.PartitionSpec) string {
	if target := spec.ColocatedWith(); target != "" {
		return target
	}
	return name
}

// Locator assigns bucket ownership across members with rendezvous hashing,
// so membership changes only move the buckets that involve the changed
// member.
type Locator struct {
	mu      sync.RWMutex
	members []string
}

// NewLocator creates a locator over the given member ids.
func NewLocator(members []string) *Locator {
	return &Locator{members: append([]string(nil), members...)}
}

// AddMember registers a member.
func (l *Locator) AddMember(member string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.members {
		if m == member {
			return
		}
	}
	l.members = append(l.members, member)
}

// RemoveMember forgets a member.
func (l *Locator) RemoveMember(member string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, m := range l.members {
		if m == member {
			l.members = append(l.members[:i], l.members[i+1:]...)
			return
		}
	}
}

// Members returns the known member ids.
func (l *Locator) Members() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.members...)
}

// PrimaryFor returns the member owning the primary copy of a bucket.
// The region argument must be the colocation root (see ColocationRoot).
func (l *Locator) PrimaryFor(region string, bucket uint32) (string, bool) {
	owners := l.OwnersFor(region, bucket, 0)
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

// OwnersFor returns the members owning a bucket: the primary followed by up
// to copies redundant holders. Fewer members than requested copies yields a
// shorter list rather than repeated owners.
func (l *Locator) OwnersFor(region string, bucket uint32, copies uint32) []string {
	l.mu.RLock()
	remaining := append([]string(nil), l.members...)
	l.mu.RUnlock()

	if len(remaining) == 0 {
		return nil
	}

	key := bucketKey(region, bucket)
	want := int(copies) + 1
	if want > len(remaining) {
		want = len(remaining)
	}

	owners := make([]string, 0, want)
	for len(owners) < want {
		rdv := rendezvous.New(remaining, xxhash.Sum64String)
		owner := rdv.Lookup(key)
		owners = append(owners, owner)
		for i, m := range remaining {
			if m == owner {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return owners
}

func bucketKey(region string, bucket uint32) string {
	return fmt.Sprintf("%s/%d", region, bucket)
}
