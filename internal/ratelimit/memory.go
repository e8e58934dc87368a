package ratelimit

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const defaultShards = 32

type window struct {
	count int64
	start time.Time
	size  time.Duration
}

func (w *window) end() time.Time { return w.start.Add(w.size) }

type shard struct {
	mu      sync.Mutex
	entries map[string]*window
}

// MemoryStore keeps counters in process, spread across mutex-guarded
// shards so unrelated keys do not contend.
type MemoryStore struct {
	seed   maphash.Seed
	shards []*shard
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		seed:   maphash.MakeSeed(),
		shards: make([]*shard, defaultShards),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*window)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *shard {
	return s.shards[maphash.String(s.seed, key)%uint64(len(s.shards))]
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, size time.Duration, now time.Time) (int64, time.Time, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.entries[key]
	if !ok || !now.Before(w.end()) {
		w = &window{start: now, size: size}
		sh.entries[key] = w
	}
	w.count++
	return w.count, w.end(), nil
}

// Sweep evicts counters whose window has ended and returns how many were
// removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, w := range sh.entries {
			if !now.Before(w.end()) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len reports the number of live counters.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
