package worldloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// BudgetStore counts the world-loop events committed per agent inside each
// 60-second bucket. The snapshot carries the authoritative counter; the store
// is the planner-side guard, and the Redis variant shares that guard between
// processes driving the same snapshot.
type BudgetStore interface {
	// Count reports the events recorded for the agent in the bucket.
	Count(ctx context.Context, agent string, bucket int64) (int, error)
	// Record adds one event for the agent in the bucket and returns the new
	// count.
	Record(ctx context.Context, agent string, bucket int64) (int, error)
}

// MemoryBudgetStore keeps per-agent buckets in process memory. It is the
// default for single-process hosts.
type MemoryBudgetStore struct {
	mu      sync.Mutex
	buckets map[string]map[int64]int
}

func NewMemoryBudgetStore() *MemoryBudgetStore {
	return &MemoryBudgetStore{buckets: make(map[string]map[int64]int)}
}

func (s *MemoryBudgetStore) Count(_ context.Context, agent string, bucket int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[agent][bucket], nil
}

func (s *MemoryBudgetStore) Record(_ context.Context, agent string, bucket int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	per, ok := s.buckets[agent]
	if !ok {
		per = make(map[int64]int)
		s.buckets[agent] = per
	}
	per[bucket]++
	// Buckets only move forward; keep the current and previous window.
	for b := range per {
		if b < bucket-1 {
			delete(per, b)
		}
	}
	return per[bucket], nil
}

// redisBudgetScript increments a bucket counter atomically. The key expires
// two windows later so stale buckets self-clean.
// KEYS[1] = bucket key
// ARGV[1] = ttl seconds
var redisBudgetScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return n
`)

const redisBudgetTTLSeconds = 120

// RedisBudgetStore shares agent budgets across processes through Redis.
type RedisBudgetStore struct {
	client *redis.Client
	prefix string
}

// NewRedisBudgetStore wraps an existing client. An empty prefix defaults to
// "worldloop:budget".
func NewRedisBudgetStore(client *redis.Client, prefix string) *RedisBudgetStore {
	if prefix == "" {
		prefix = "worldloop:budget"
	}
	return &RedisBudgetStore{client: client, prefix: prefix}
}

func (s *RedisBudgetStore) key(agent string, bucket int64) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, agent, bucket)
}

func (s *RedisBudgetStore) Count(ctx context.Context, agent string, bucket int64) (int, error) {
	n, err := s.client.Get(ctx, s.key(agent, bucket)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget count: %w", err)
	}
	return n, nil
}

func (s *RedisBudgetStore) Record(ctx context.Context, agent string, bucket int64) (int, error) {
	res, err := redisBudgetScript.Run(ctx, s.client, []string{s.key(agent, bucket)}, redisBudgetTTLSeconds).Result()
	if err != nil {
		return 0, fmt.Errorf("budget record: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("budget record: unexpected script result %T", res)
	}
	return int(n), nil
}
