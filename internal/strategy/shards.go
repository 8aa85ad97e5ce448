package strategy

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type shard[S any] struct {
	mu    sync.Mutex
	items map[string]*S
}

// shardSet spreads per-key state over independently locked maps.
type shardSet[S any] struct {
	shards []shard[S]
	mask   uint64
}

func newShardSet[S any](n int) *shardSet[S] {
	size := 1
	for size < n {
		size <<= 1
	}
	s := &shardSet[S]{
		shards: make([]shard[S], size),
		mask:   uint64(size - 1),
	}
	for i := range s.shards {
		s.shards[i].items = make(map[string]*S)
	}
	return s
}

// lock returns key's shard with its mutex held.
func (s *shardSet[S]) lock(key string) *shard[S] {
	sh := &s.shards[xxhash.Sum64String(key)&s.mask]
	sh.mu.Lock()
	return sh
}

func (s *shardSet[S]) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

func (s *shardSet[S]) reset(keys ...string) {
	if len(keys) == 0 {
		for i := range s.shards {
			sh := &s.shards[i]
			sh.mu.Lock()
			sh.items = make(map[string]*S)
			sh.mu.Unlock()
		}
		return
	}
	for _, key := range keys {
		sh := s.lock(key)
		delete(sh.items, key)
		sh.mu.Unlock()
	}
}

// removeIf deletes every entry for which idle returns true. idle runs
// under the shard lock and may compact the entry it is given.
func (s *shardSet[S]) removeIf(idle func(*S) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, st := range sh.items {
			if idle(st) {
				delete(sh.items, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

type seenKey struct {
	key  string
	seen time.Time
}

// evictOldest removes the least recently seen entries until at most limit
// remain. Entries touched after the snapshot was taken are skipped.
func (s *shardSet[S]) evictOldest(limit int, lastSeen func(*S) time.Time) int {
	if limit <= 0 {
		return 0
	}

	var snapshot []seenKey
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, st := range sh.items {
			snapshot = append(snapshot, seenKey{key: key, seen: lastSeen(st)})
		}
		sh.mu.Unlock()
	}

	excess := len(snapshot) - limit
	if excess <= 0 {
		return 0
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].seen.Before(snapshot[j].seen)
	})

	removed := 0
	for _, c := range snapshot[:excess] {
		sh := s.lock(c.key)
		if st, ok := sh.items[c.key]; ok && lastSeen(st).Equal(c.seen) {
			delete(sh.items, c.key)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}
