// Package coordinator publishes pool statistics to Redis so several pool
// instances can be observed from one place. Each instance refreshes a
// heartbeat key and one hash per pool, all with a TTL; instances whose
// heartbeat expired are cleaned up by the survivors.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/internal/pool"
	"github.com/redis/go-redis/v9"
)

// ── Redis key patterns ───────────────────────────────────────────────────
const (
	keyInstanceList  = "dbpool:instances"            // set of instance IDs
	keyInstanceHB    = "dbpool:instance:%s:heartbeat" // heartbeat key with TTL
	keyInstancePools = "dbpool:instance:%s:pools"     // set of pool names
	keyPoolStats     = "dbpool:instance:%s:pool:%s"   // hash of pool stats
)

// Store is the subset of the Redis API the publisher uses. *redis.Client
// satisfies it.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// StatsSource provides the statistics to publish. *pool.Manager satisfies it.
type StatsSource interface {
	Stats() []pool.PoolStats
}

// NewRedisClient builds a client from the Redis configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// Publisher periodically writes this instance's pool statistics to Redis.
type Publisher struct {
	store      Store
	source     StatsSource
	instanceID string
	interval   time.Duration
	ttl        time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher for the given instance.
func NewPublisher(store Store, source StatsSource, instanceID string, cfg config.RedisConfig) *Publisher {
	interval := cfg.PublishInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := cfg.StatsTTL
	if ttl == 0 {
		ttl = 3 * interval
	}

	return &Publisher{
		store:      store,
		source:     source,
		instanceID: instanceID,
		interval:   interval,
		ttl:        ttl,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the publish loop in a background goroutine.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
	log.Printf("[publisher] Started: interval=%s, ttl=%s, instance=%s", p.interval, p.ttl, p.instanceID)
}

// Stop ends the publish loop and waits for it to exit.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Publisher) loop(ctx context.Context) {
	defer p.wg.Done()

	p.publish(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Cleanup runs every third tick.
	ticks := 0

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
			ticks++
			if ticks%3 == 0 {
				if n, err := p.CleanupDeadInstances(ctx); err != nil {
					log.Printf("[publisher] Dead instance cleanup failed: %v", err)
				} else if n > 0 {
					log.Printf("[publisher] Cleaned up %d dead instances", n)
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	if err := p.PublishOnce(ctx); err != nil {
		log.Printf("[publisher] Failed to publish stats: %v", err)
		metrics.PublishOperations.WithLabelValues("error").Inc()
		metrics.InstanceHeartbeat.WithLabelValues(p.instanceID).Set(0)
		return
	}
	metrics.PublishOperations.WithLabelValues("ok").Inc()
	metrics.InstanceHeartbeat.WithLabelValues(p.instanceID).Set(1)
}

// PublishOnce refreshes the heartbeat and writes one hash per pool.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	now := time.Now().Unix()

	hbKey := fmt.Sprintf(keyInstanceHB, p.instanceID)
	if err := p.store.Set(ctx, hbKey, now, p.ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if err := p.store.SAdd(ctx, keyInstanceList, p.instanceID).Err(); err != nil {
		return fmt.Errorf("registering instance: %w", err)
	}

	poolsKey := fmt.Sprintf(keyInstancePools, p.instanceID)
	for _, st := range p.source.Stats() {
		key := fmt.Sprintf(keyPoolStats, p.instanceID, st.Name)
		err := p.store.HSet(ctx, key,
			"active", st.Active,
			"idle", st.Idle,
			"validating", st.Validating,
			"min", st.Min,
			"max", st.Max,
			"wait_queue", st.WaitQueue,
			"generation", st.Generation,
			"updated_at", now,
		).Err()
		if err != nil {
			return fmt.Errorf("writing stats for pool %s: %w", st.Name, err)
		}
		if err := p.store.Expire(ctx, key, p.ttl).Err(); err != nil {
			return fmt.Errorf("setting ttl for pool %s: %w", st.Name, err)
		}
		if err := p.store.SAdd(ctx, poolsKey, st.Name).Err(); err != nil {
			return fmt.Errorf("registering pool %s: %w", st.Name, err)
		}
	}
	if err := p.store.Expire(ctx, poolsKey, p.ttl).Err(); err != nil {
		return fmt.Errorf("setting ttl for pool list: %w", err)
	}
	return nil
}

// CleanupDeadInstances removes the registrations of instances whose
// heartbeat expired. It returns how many instances were removed.
func (p *Publisher) CleanupDeadInstances(ctx context.Context) (int, error) {
	instances, err := p.store.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		return 0, fmt.Errorf("listing instances: %w", err)
	}

	removed := 0
	for _, instID := range instances {
		if instID == p.instanceID {
			continue
		}

		exists, err := p.store.Exists(ctx, fmt.Sprintf(keyInstanceHB, instID)).Result()
		if err != nil || exists > 0 {
			continue
		}

		poolsKey := fmt.Sprintf(keyInstancePools, instID)
		names, err := p.store.SMembers(ctx, poolsKey).Result()
		if err != nil {
			log.Printf("[publisher] Failed to read pools for dead instance %s: %v", instID, err)
			continue
		}

		keys := make([]string, 0, len(names)+1)
		for _, name := range names {
			keys = append(keys, fmt.Sprintf(keyPoolStats, instID, name))
		}
		keys = append(keys, poolsKey)

		if err := p.store.Del(ctx, keys...).Err(); err != nil {
			log.Printf("[publisher] Failed to delete stats for dead instance %s: %v", instID, err)
			continue
		}
		if err := p.store.SRem(ctx, keyInstanceList, instID).Err(); err != nil {
			log.Printf("[publisher] Failed to unregister dead instance %s: %v", instID, err)
			continue
		}
		log.Printf("[publisher] Instance %s appears dead (no heartbeat), removed %d pool entries", instID, len(names))
		removed++
	}
	return removed, nil
}
