// Package health provides HTTP health checks for the pools and, when
// configured, the Redis instance used for stats publication.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/joao-brasil/dbpool/internal/pool"
	"github.com/redis/go-redis/v9"
)

// Status is the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single component.
type ComponentHealth struct {
	Name    string          `json:"name"`
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"`
	Latency string          `json:"latency"`
	Pool    *pool.PoolStats `json:"pool,omitempty"`
}

// HealthReport is the overall report.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Pools is the part of pool.Manager the checker needs.
type Pools interface {
	Names() []string
	Pool(name string) (*pool.Supervisor, bool)
}

// Checker runs health checks against the pools and Redis.
type Checker struct {
	instanceID  string
	pools       Pools
	redisClient redis.UniversalClient
	timeout     time.Duration
}

// NewChecker creates a health checker. redisClient may be nil.
func NewChecker(instanceID string, pools Pools, redisClient redis.UniversalClient) *Checker {
	return &Checker{
		instanceID:  instanceID,
		pools:       pools,
		redisClient: redisClient,
		timeout:     10 * time.Second,
	}
}

// Check runs every component check concurrently and returns a report.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	add := func(ch ComponentHealth) {
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}

	if c.redisClient != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(c.checkRedis(ctx))
		}()
	}

	for _, name := range c.pools.Names() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			add(c.checkPool(ctx, name))
		}(name)
	}

	wg.Wait()

	report.Components = components
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

// checkRedis pings Redis.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.redisClient.Ping(ctx).Err()
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// checkPool borrows a connection from the pool and runs its validation query
// (or a ping) on it.
func (c *Checker) checkPool(ctx context.Context, name string) ComponentHealth {
	start := time.Now()
	compName := "pool-" + name

	sup, ok := c.pools.Pool(name)
	if !ok {
		return ComponentHealth{
			Name:    compName,
			Status:  StatusUnhealthy,
			Message: "pool not found",
			Latency: time.Since(start).String(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := sup.Acquire(ctx)
	if err != nil {
		stats := sup.Stats()
		return ComponentHealth{
			Name:    compName,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("acquire failed: %v", err),
			Latency: time.Since(start).String(),
			Pool:    &stats,
		}
	}

	query := sup.DataSource().ValidationQuery
	if query == "" {
		err = conn.PingContext(ctx)
	} else {
		_, err = conn.ExecContext(ctx, query)
	}
	giveBack(name, conn, err)
	latency := time.Since(start)
	stats := sup.Stats()

	if err != nil {
		return ComponentHealth{
			Name:    compName,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("validation failed: %v", err),
			Latency: latency.String(),
			Pool:    &stats,
		}
	}

	return ComponentHealth{
		Name:    compName,
		Status:  StatusHealthy,
		Message: fmt.Sprintf("size=%d idle=%d generation=%d", stats.Active+stats.Idle+stats.Validating, stats.Idle, stats.Generation),
		Latency: latency.String(),
		Pool:    &stats,
	}
}

// giveBack returns the health check's connection to its pool, discarding it
// when the check failed.
func giveBack(name string, conn *pool.PooledConn, checkErr error) {
	if checkErr != nil {
		if err := conn.Discard(); err != nil {
			log.Printf("[health] Error discarding connection for pool %s: %v", name, err)
		}
		return
	}
	if err := conn.Close(); err != nil {
		log.Printf("[health] Error returning connection to pool %s: %v", name, err)
	}
}

// Handler returns the health endpoints.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(rep)
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	return mux
}

// ServeHTTP starts the health HTTP server on port in the background.
func (c *Checker) ServeHTTP(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
