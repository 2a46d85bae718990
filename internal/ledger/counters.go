package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"offer-decisioning-api/internal/models"
)

// Delta is a change to one counter. A non-zero ExpireAt lets the backend
// drop the counter once its window can no longer be queried.
type Delta struct {
	Key      string
	N        int64
	ExpireAt time.Time
}

// Counters stores the incrementally maintained ledger aggregates.
type Counters interface {
	Add(ctx context.Context, deltas []Delta) error
	Get(ctx context.Context, key string) (int64, error)
}

func totalKey(offerID string) string {
	return "offer:" + offerID + ":total"
}

func statusKey(offerID string, status models.PropositionStatus) string {
	return "offer:" + offerID + ":status:" + string(status)
}

func placementKey(offerID, placementID string) string {
	return "offer:" + offerID + ":placement:" + placementID
}

func contactKey(offerID, contactID string, period models.FrequencyPeriod, start time.Time) string {
	if period == models.PeriodLifetime || period == "" {
		return "offer:" + offerID + ":contact:" + contactID + ":lifetime"
	}
	return "offer:" + offerID + ":contact:" + contactID + ":" + string(period) + ":" + strconv.FormatInt(start.Unix(), 10)
}

const shardCount = 32

type counterEntry struct {
	n        int64
	expireAt time.Time
}

type counterShard struct {
	mu   sync.RWMutex
	rows map[string]*counterEntry
}

// MemoryCounters keeps counters in process, sharded by key hash so writers
// touching different offers rarely contend.
type MemoryCounters struct {
	shards [shardCount]*counterShard
}

// NewMemoryCounters creates empty in-memory counters.
func NewMemoryCounters() *MemoryCounters {
	m := &MemoryCounters{}
	for i := range m.shards {
		m.shards[i] = &counterShard{rows: make(map[string]*counterEntry)}
	}
	return m
}

func (m *MemoryCounters) shard(key string) *counterShard {
	return m.shards[xxhash.Sum64String(key)%shardCount]
}

func (m *MemoryCounters) Add(_ context.Context, deltas []Delta) error {
	for _, d := range deltas {
		s := m.shard(d.Key)
		s.mu.Lock()
		e, ok := s.rows[d.Key]
		if !ok {
			e = &counterEntry{}
			s.rows[d.Key] = e
		}
		e.n += d.N
		if d.ExpireAt.After(e.expireAt) {
			e.expireAt = d.ExpireAt
		}
		s.mu.Unlock()
	}
	return nil
}

func (m *MemoryCounters) Get(_ context.Context, key string) (int64, error) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.rows[key]; ok {
		return e.n, nil
	}
	return 0, nil
}

// Prune drops counters whose window ended before now and returns how many were removed.
func (m *MemoryCounters) Prune(now time.Time) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.rows {
			if !e.expireAt.IsZero() && now.After(e.expireAt) {
				delete(s.rows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live counters.
func (m *MemoryCounters) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.rows)
		s.mu.RUnlock()
	}
	return n
}

// RedisCounters keeps counters in Redis so several engine instances share
// capping state.
type RedisCounters struct {
	client *redis.Client
	prefix string
}

// NewRedisCounters connects to Redis and verifies the connection.
func NewRedisCounters(addr, password string, db int, prefix string) (*RedisCounters, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCounters{client: client, prefix: prefix}, nil
}

func (r *RedisCounters) Add(ctx context.Context, deltas []Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range deltas {
			key := r.prefix + d.Key
			pipe.IncrBy(ctx, key, d.N)
			if !d.ExpireAt.IsZero() {
				pipe.ExpireAt(ctx, key, d.ExpireAt)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}
	return nil
}

func (r *RedisCounters) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return n, nil
}

func (r *RedisCounters) Close() error {
	return r.client.Close()
}
