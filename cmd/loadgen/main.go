// Package main is the entrypoint for the load generator. It runs concurrent
// acquire/query/release cycles against one configured data source and
// reports how the pool behaved.
package main

import (
	"context"
	"flag"
	"log"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/pool"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "configs/dbpool.yaml", "Path to configuration file")
	poolName   = flag.String("pool", "", "Data source to load (defaults to the first configured)")
	workers    = flag.Int("workers", 8, "Number of concurrent workers")
	cycles     = flag.Int("cycles", 100, "Acquire/use/release cycles per worker")
	query      = flag.String("query", "", "Query to run on each cycle (defaults to the validation query)")
	hold       = flag.Duration("hold", 5*time.Millisecond, "How long each worker holds a connection")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[loadgen] Failed to load configuration: %v", err)
	}

	ds := &cfg.DataSources[0]
	if *poolName != "" {
		var ok bool
		if ds, ok = cfg.DataSourceByName(*poolName); !ok {
			log.Fatalf("[loadgen] Unknown data source %q", *poolName)
		}
	}
	q := *query
	if q == "" {
		q = ds.ValidationQuery
	}

	factory, err := pool.NewSQLFactory(ds)
	if err != nil {
		log.Fatalf("[loadgen] Failed to open factory: %v", err)
	}
	defer factory.Close()

	sup, err := pool.New(context.Background(), factory, *ds)
	if err != nil {
		log.Fatalf("[loadgen] Failed to create pool: %v", err)
	}
	defer sup.Close()

	log.Printf("[loadgen] %d workers x %d cycles against %s", *workers, *cycles, ds.String())

	var completed, timeouts, failures atomic.Int64
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < *workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < *cycles; {
				conn, err := sup.Acquire(ctx)
				if err != nil {
					if pool.IsTimeout(err) {
						timeouts.Add(1)
						continue
					}
					failures.Add(1)
					return err
				}

				if _, err := conn.ExecContext(ctx, q); err != nil {
					log.Printf("[loadgen] Worker %d — query failed, discarding connection: %v", w, err)
					failures.Add(1)
					conn.Discard()
					continue
				}
				time.Sleep(*hold)
				conn.Close()

				completed.Add(1)
				i++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("[loadgen] Stopped on error: %v", err)
	}

	elapsed := time.Since(start)
	st := sup.Stats()
	log.Printf("[loadgen] Done in %s: completed=%d timeouts=%d failures=%d (%.0f cycles/s)",
		elapsed, completed.Load(), timeouts.Load(), failures.Load(),
		float64(completed.Load())/elapsed.Seconds())
	log.Printf("[loadgen] Pool %s: size=%d idle=%d max=%d generation=%d",
		st.Name, sup.PoolSize(), sup.AvailableSize(), st.Max, st.Generation)
}
