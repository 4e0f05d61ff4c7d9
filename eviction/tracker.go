package eviction

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// token carries the recency and occupancy bookkeeping for one entry.
type token struct {
	clock uint64
	size  int64
}

// trackerShard is one independently locked slice of the recency structure.
type trackerShard struct {
	mu     sync.Mutex
	tokens map[string]*token
}

// tracker maintains an approximate recency ordering over entry keys.
//
// Keys are spread over power-of-two shards so concurrent writers touch
// independent locks. Recency is a global atomic clock stamped on each access;
// victim selection samples candidates across shards and picks the lowest
// stamp. Ordering is approximate under contention, which is the intended
// trade against a single global list lock.
type tracker struct {
	shards []trackerShard
	mask   uint64
	clock  atomic.Uint64
	count  atomic.Int64
}

func newTracker(shardCount int) *tracker {
	n := nextPowerOf2(shardCount)
	t := &tracker{
		shards: make([]trackerShard, n),
		mask:   uint64(n - 1),
	}
	for i := range t.shards {
		t.shards[i].tokens = make(map[string]*token)
	}
	return t
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

func (t *tracker) shardFor(key string) *trackerShard {
	return &t.shards[xxhash.Sum64String(key)&t.mask]
}

// insert records or refreshes a key with its current size.
func (t *tracker) insert(key string, size int64) {
	now := t.clock.Add(1)
	sh := t.shardFor(key)
	sh.mu.Lock()
	if tok, ok := sh.tokens[key]; ok {
		tok.clock = now
		tok.size = size
	} else {
		sh.tokens[key] = &token{clock: now, size: size}
		t.count.Add(1)
	}
	sh.mu.Unlock()
}

// touch refreshes recency without changing occupancy. Unknown keys are
// ignored; the region notifies reads for placeholders too.
func (t *tracker) touch(key string) {
	now := t.clock.Add(1)
	sh := t.shardFor(key)
	sh.mu.Lock()
	if tok, ok := sh.tokens[key]; ok {
		tok.clock = now
	}
	sh.mu.Unlock()
}

// remove forgets a key. It reports whether the key was tracked.
func (t *tracker) remove(key string) bool {
	sh := t.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.tokens[key]
	if ok {
		delete(sh.tokens, key)
	}
	sh.mu.Unlock()
	if ok {
		t.count.Add(-1)
	}
	return ok
}

func (t *tracker) len() int64 {
	return t.count.Load()
}

// sampleVictim picks the least-recently-stamped key from a bounded sample,
// skipping keys the caller already rejected. It walks shards starting at a
// rotating offset and never holds more than one shard lock at a time.
func (t *tracker) sampleVictim(sample int, skip map[string]struct{}) (string, bool) {
	if sample < 1 {
		sample = 1
	}

	var (
		victim    string
		best      uint64
		collected int
	)

	// Rotate the starting shard so selection pressure spreads out.
	start := t.clock.Add(1) & t.mask
	for i := 0; i <= int(t.mask) && collected < sample; i++ {
		sh := &t.shards[(start+uint64(i))&t.mask]
		sh.mu.Lock()
		for key, tok := range sh.tokens {
			if _, skipped := skip[key]; skipped {
				continue
			}
			if collected == 0 || tok.clock < best {
				victim = key
				best = tok.clock
			}
			collected++
			if collected >= sample {
				break
			}
		}
		sh.mu.Unlock()
	}

	if collected == 0 {
		return "", false
	}
	return victim, true
}
