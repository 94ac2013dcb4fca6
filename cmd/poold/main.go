// Package main is the entrypoint for the connection pool daemon.
// It loads configuration, builds one supervised pool per data source,
// exposes health checks and metrics, and shuts everything down gracefully.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/coordinator"
	"github.com/joao-brasil/dbpool/internal/health"
	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/internal/pool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var configPath = flag.String("config", "configs/dbpool.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting connection pool daemon")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d data sources, instance=%s", len(cfg.DataSources), cfg.Server.InstanceID)

	for i := range cfg.DataSources {
		log.Printf("[main]   %s", cfg.DataSources[i].String())
	}

	// ─── Metrics ──────────────────────────────────────────────────────
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Pools ────────────────────────────────────────────────────────
	log.Println("[main] Initializing pools...")
	poolMgr, err := pool.NewManager(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] Failed to initialize pools: %v", err)
	}
	defer func() {
		log.Println("[main] Closing pools...")
		if err := poolMgr.Close(); err != nil {
			log.Printf("[main] Pool manager close error: %v", err)
		}
	}()
	for _, s := range poolMgr.Stats() {
		log.Printf("[main]   Pool %s: idle=%d, active=%d, max=%d", s.Name, s.Idle, s.Active, s.Max)
	}

	// ─── Redis Stats Publisher ────────────────────────────────────────
	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled {
		rdb := coordinator.NewRedisClient(cfg.Redis)
		defer rdb.Close()
		redisClient = rdb

		pub := coordinator.NewPublisher(rdb, poolMgr, cfg.Server.InstanceID, cfg.Redis)
		pub.Start(context.Background())
		defer pub.Stop()
	}

	// ─── Health Checks ────────────────────────────────────────────────
	checker := health.NewChecker(cfg.Server.InstanceID, poolMgr, redisClient)
	healthServer := checker.ServeHTTP(cfg.Server.HealthCheckPort)

	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		status := "✅"
		if comp.Status == health.StatusUnhealthy {
			status = "❌"
		}
		log.Printf("[main]   %s %s: %s (latency: %s)", status, comp.Name, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	// ─── Graceful Shutdown ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Server.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
