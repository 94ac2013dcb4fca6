package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/pkg/datasource"
)

// DefaultMaintenanceInterval is used when the data source sets none.
const DefaultMaintenanceInterval = 30 * time.Second

// Supervisor is the stable handle callers hold. It owns exactly one current
// Core, validates idle connections on a fixed interval, and replaces the core
// with a freshly built one when every connection in it is broken.
type Supervisor struct {
	name    string
	ds      datasource.DataSource
	factory Factory

	current atomic.Pointer[Core]

	// rebuildMu serializes core replacement and Close. It is never held
	// while a core's own lock is waited on by callers.
	rebuildMu  sync.Mutex
	generation atomic.Uint64
	closed     atomic.Bool

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a supervised pool for the data source, opening MinConnections
// connections up front, and starts its maintenance loop.
func New(ctx context.Context, factory Factory, ds datasource.DataSource) (*Supervisor, error) {
	core, err := NewCore(ctx, factory, ds)
	if err != nil {
		return nil, fmt.Errorf("initializing pool %s: %w", ds.Name, err)
	}

	s := &Supervisor{
		name:     ds.Name,
		ds:       ds,
		factory:  factory,
		interval: ds.MaintenanceInterval,
		stopCh:   make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = DefaultMaintenanceInterval
	}
	s.current.Store(core)

	metrics.ConnectionsMax.WithLabelValues(s.name).Set(float64(ds.MaxConnections))
	log.Printf("[supervisor] Pool created: %s", ds.String())

	s.wg.Add(1)
	go s.maintenanceLoop()

	return s, nil
}

// Acquire obtains a connection from the current core. If the core can no
// longer produce any working connection it is rebuilt and the request is
// retried once against the new core, so callers do not see the failure that
// triggered the rebuild.
func (s *Supervisor) Acquire(ctx context.Context) (*PooledConn, error) {
	if s.closed.Load() {
		return nil, ErrPoolClosed
	}

	core := s.current.Load()
	conn, err := core.Acquire(ctx)
	if err == nil {
		return conn, nil
	}
	if !s.recoverable(core, err) {
		return nil, err
	}

	fresh, rerr := s.replace(ctx, core, "acquire")
	if rerr != nil {
		log.Printf("[supervisor] Pool %s — rebuild after failed acquire did not succeed: %v", s.name, rerr)
		return nil, err
	}
	return fresh.Acquire(ctx)
}

// recoverable reports whether a failure from core warrants switching cores.
func (s *Supervisor) recoverable(core *Core, err error) bool {
	if s.closed.Load() || ctxDone(err) {
		return false
	}
	if IsConnectivity(err) {
		return true
	}
	// A waiter parked on a core that was replaced meanwhile.
	return errors.Is(err, ErrPoolClosed) && s.current.Load() != core
}

// replace installs a new core in place of stale and retires stale. If stale
// was already replaced by a concurrent call, the current core is returned.
func (s *Supervisor) replace(ctx context.Context, stale *Core, trigger string) (*Core, error) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	if s.closed.Load() {
		return nil, ErrPoolClosed
	}
	if cur := s.current.Load(); cur != stale {
		return cur, nil
	}

	warm := s.ds.MinConnections
	if warm < 1 {
		warm = 1
	}
	fresh, err := newCore(ctx, s.factory, s.ds, warm)
	if err != nil {
		metrics.CoreRebuilds.WithLabelValues(s.name, trigger+"_failed").Inc()
		return nil, err
	}

	s.current.Store(fresh)
	gen := s.generation.Add(1)
	metrics.CoreRebuilds.WithLabelValues(s.name, trigger).Inc()
	log.Printf("[supervisor] Pool %s — core rebuilt (generation=%d, trigger=%s)", s.name, gen, trigger)

	stale.Retire()
	return fresh, nil
}

// Close stops maintenance and shuts down the current core.
func (s *Supervisor) Close() error {
	s.rebuildMu.Lock()
	if s.closed.Swap(true) {
		s.rebuildMu.Unlock()
		return nil
	}
	close(s.stopCh)
	core := s.current.Load()
	s.rebuildMu.Unlock()

	s.wg.Wait()
	core.Shutdown()

	log.Printf("[supervisor] Pool %s — closed", s.name)
	return nil
}

// PoolSize returns the current core's total connection count.
func (s *Supervisor) PoolSize() int {
	return s.current.Load().PoolSize()
}

// AvailableSize returns the current core's idle connection count.
func (s *Supervisor) AvailableSize() int {
	return s.current.Load().AvailableSize()
}

// Stats returns the current core's statistics.
func (s *Supervisor) Stats() PoolStats {
	st := s.current.Load().Stats()
	st.Generation = s.generation.Load()
	return st
}

// Generation returns how many times the core has been rebuilt.
func (s *Supervisor) Generation() uint64 {
	return s.generation.Load()
}

// Name returns the data source name.
func (s *Supervisor) Name() string {
	return s.name
}

// DataSource returns the pool's configuration.
func (s *Supervisor) DataSource() datasource.DataSource {
	return s.ds
}

// maintenanceLoop runs periodic validation on the configured interval.
func (s *Supervisor) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.maintain()
		}
	}
}

// maintain validates the current core's idle connections and refills it to
// its minimum. When every idle connection failed and a fresh connection also
// fails, the core is considered broken and rebuilt; if the rebuild fails too
// the database itself is down and the core is kept.
func (s *Supervisor) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	core := s.current.Load()
	report := core.ValidateIdle(ctx)

	if report.AllFailed() {
		if err := core.ProbeFactory(ctx); err != nil {
			log.Printf("[supervisor] Pool %s — all %d idle connections broken and reconnect failed (%v), rebuilding core",
				s.name, report.Checked, err)
			if _, err := s.replace(ctx, core, "maintenance"); err != nil {
				log.Printf("[supervisor] Pool %s — rebuild failed, keeping current core: %v", s.name, err)
			}
			return
		}
	}

	if _, err := core.EnsureMinimum(ctx); err != nil && !errors.Is(err, ErrPoolClosed) {
		log.Printf("[supervisor] Pool %s — refill to minimum failed: %v", s.name, err)
	}
}

func ctxDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
