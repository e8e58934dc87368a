package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore persists issued state values until they are consumed or
// expire. Consume must remove the entry so a state is accepted once.
type StateStore interface {
	Save(ctx context.Context, state, provider string, ttl time.Duration) error
	Consume(ctx context.Context, state string) (provider string, ok bool, err error)
}

type stateEntry struct {
	provider  string
	expiresAt time.Time
}

// MemoryStateStore keeps states in process. Suitable for a single gateway
// instance.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

// NewMemoryStateStore returns an empty store using the wall clock.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]stateEntry), now: time.Now}
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(_ context.Context, state, provider string, ttl time.Duration) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = stateEntry{provider: provider, expiresAt: now.Add(ttl)}
	return nil
}

// Sweep drops states that expired without being consumed and returns how
// many were removed.
func (s *MemoryStateStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of outstanding states.
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps every interval until ctx is done.
func (s *MemoryStateStore) Run(ctx context.Context, interval time.Duration) {
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

// Consume implements StateStore.
func (s *MemoryStateStore) Consume(_ context.Context, state string) (string, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[state]
	if !ok {
		return "", false, nil
	}
	delete(s.entries, state)
	if !now.Before(e.expiresAt) {
		return "", false, nil
	}
	return e.provider, true, nil
}

// RedisStateStore shares states between gateway instances.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore returns a store writing keys under "oauth:state:".
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: "oauth:state:"}
}

// Save implements StateStore.
func (s *RedisStateStore) Save(ctx context.Context, state, provider string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+state, provider, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Consume implements StateStore with GETDEL so two callbacks racing on the
// same state cannot both succeed.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (string, bool, error) {
	provider, err := s.client.GetDel(ctx, s.prefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("consume state: %w", err)
	}
	return provider, true, nil
}
