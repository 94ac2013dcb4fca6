package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/pool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store. Expirations are recorded, not enforced.
type memStore struct {
	mu      sync.Mutex
	strings map[string]interface{}
	hashes  map[string]map[string]interface{}
	sets    map[string]map[string]bool
	ttls    map[string]time.Duration
	failSet error
}

func newMemStore() *memStore {
	return &memStore{
		strings: make(map[string]interface{}),
		hashes:  make(map[string]map[string]interface{}),
		sets:    make(map[string]map[string]bool),
		ttls:    make(map[string]time.Duration),
	}
}

func (s *memStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx)
	if s.failSet != nil {
		cmd.SetErr(s.failSet)
		return cmd
	}
	s.strings[key] = value
	s.ttls[key] = expiration
	cmd.SetVal("OK")
	return cmd
}

func (s *memStore) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]interface{})
		s.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[fmt.Sprint(values[i])] = values[i+1]
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (s *memStore) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttls[key] = expiration
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (s *memStore) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]bool)
		s.sets[key] = set
	}
	for _, m := range members {
		set[fmt.Sprint(m)] = true
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (s *memStore) SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.sets[key], fmt.Sprint(m))
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (s *memStore) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(members)
	return cmd
}

func (s *memStore) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		if s.has(k) {
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (s *memStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		if s.has(k) {
			n++
		}
		delete(s.strings, k)
		delete(s.hashes, k)
		delete(s.sets, k)
		delete(s.ttls, k)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (s *memStore) has(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	_, ok := s.sets[key]
	return ok
}

func (s *memStore) hash(key string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[key]
}

func (s *memStore) members(key string) []string {
	return s.SMembers(context.Background(), key).Val()
}

// expireHeartbeat simulates Redis dropping an instance's heartbeat key.
func (s *memStore) expireHeartbeat(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, fmt.Sprintf(keyInstanceHB, instanceID))
}

type staticStats []pool.PoolStats

func (s staticStats) Stats() []pool.PoolStats { return s }

var testStats = staticStats{
	{Name: "orders", Active: 3, Idle: 2, Min: 2, Max: 10, WaitQueue: 1, Generation: 4},
	{Name: "billing", Active: 0, Idle: 1, Min: 1, Max: 2},
}

func TestPublishOnce(t *testing.T) {
	store := newMemStore()
	p := NewPublisher(store, testStats, "inst-a", config.RedisConfig{PublishInterval: time.Second})

	require.NoError(t, p.PublishOnce(context.Background()))

	assert.Contains(t, store.members(keyInstanceList), "inst-a")
	assert.ElementsMatch(t, []string{"orders", "billing"}, store.members(fmt.Sprintf(keyInstancePools, "inst-a")))

	hbKey := fmt.Sprintf(keyInstanceHB, "inst-a")
	store.mu.Lock()
	_, ok := store.strings[hbKey]
	hbTTL := store.ttls[hbKey]
	statsTTL := store.ttls[fmt.Sprintf(keyPoolStats, "inst-a", "orders")]
	store.mu.Unlock()
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, hbTTL)
	assert.Equal(t, 3*time.Second, statsTTL)

	h := store.hash(fmt.Sprintf(keyPoolStats, "inst-a", "orders"))
	require.NotNil(t, h)
	assert.Equal(t, 3, h["active"])
	assert.Equal(t, 2, h["idle"])
	assert.Equal(t, 10, h["max"])
	assert.Equal(t, 1, h["wait_queue"])
	assert.Equal(t, uint64(4), h["generation"])
}

func TestPublishOnceHeartbeatFailure(t *testing.T) {
	store := newMemStore()
	store.failSet = errors.New("redis: connection refused")
	p := NewPublisher(store, testStats, "inst-a", config.RedisConfig{})

	err := p.PublishOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat")
	assert.Empty(t, store.members(keyInstanceList))
}

func TestCleanupDeadInstances(t *testing.T) {
	store := newMemStore()
	alive := NewPublisher(store, testStats, "inst-a", config.RedisConfig{})
	dead := NewPublisher(store, testStats, "inst-b", config.RedisConfig{})

	ctx := context.Background()
	require.NoError(t, alive.PublishOnce(ctx))
	require.NoError(t, dead.PublishOnce(ctx))
	store.expireHeartbeat("inst-b")

	n, err := alive.CleanupDeadInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{"inst-a"}, store.members(keyInstanceList))
	assert.Nil(t, store.hash(fmt.Sprintf(keyPoolStats, "inst-b", "orders")))
	assert.Empty(t, store.members(fmt.Sprintf(keyInstancePools, "inst-b")))
	assert.NotNil(t, store.hash(fmt.Sprintf(keyPoolStats, "inst-a", "orders")))

	n, err = alive.CleanupDeadInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCleanupNeverRemovesSelf(t *testing.T) {
	store := newMemStore()
	p := NewPublisher(store, testStats, "inst-a", config.RedisConfig{})
	require.NoError(t, p.PublishOnce(context.Background()))
	store.expireHeartbeat("inst-a")

	n, err := p.CleanupDeadInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Contains(t, store.members(keyInstanceList), "inst-a")
}

func TestPublisherStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	store := newMemStore()
	p := NewPublisher(store, testStats, "inst-a", config.RedisConfig{PublishInterval: 10 * time.Millisecond})
	p.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(store.members(keyInstanceList)) == 1
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
}
