package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/pkg/datasource"
)

const (
	// probeTimeout bounds one validation query or session reset.
	probeTimeout = 5 * time.Second

	// maxConnectFailures is the initial connect attempt plus one reconnect.
	maxConnectFailures = 2

	// reconnectThrottle is the minimum time between two in-place reconnects
	// of the same record.
	reconnectThrottle = 60 * time.Second
)

// ConnectionPool is the acquire/release contract shared by Core and
// Supervisor.
type ConnectionPool interface {
	Acquire(ctx context.Context) (*PooledConn, error)
	PoolSize() int
	AvailableSize() int
	Stats() PoolStats
	Close() error
}

// PoolStats holds pool statistics.
type PoolStats struct {
	Name       string
	Active     int
	Idle       int
	Validating int
	Min        int
	Max        int
	WaitQueue  int
	Generation uint64
}

// MaxIdleConnections returns how many idle connections a pool keeps once
// load subsides. Pools with a minimum keep up to max; pools without one keep
// half of max, rounded up.
func MaxIdleConnections(min, max int) int {
	if min > 0 {
		return max
	}
	return (max + 1) / 2
}

// Core owns one generation of physical connections for a data source. It
// provides blocking acquire with on-demand growth up to MaxConnections,
// release with idle shrink, and shutdown.
//
// Records live in a fixed arena of MaxConnections slots. Handles refer to
// their record by ticket, never by pointer.
type Core struct {
	mu sync.Mutex

	name    string
	ds      datasource.DataSource
	factory Factory
	maxIdle int

	records []record

	// free holds unused slot indexes.
	free []int

	// idle holds slots available for reuse, oldest first.
	idle []int

	busy       int
	validating int

	// opening counts capacity reserved by callers currently connecting.
	opening int

	// waiters holds one channel per parked acquirer, in arrival order.
	waiters []chan struct{}

	closed  bool
	retired bool
}

// NewCore creates a core and eagerly opens MinConnections connections.
func NewCore(ctx context.Context, factory Factory, ds datasource.DataSource) (*Core, error) {
	return newCore(ctx, factory, ds, ds.MinConnections)
}

func newCore(ctx context.Context, factory Factory, ds datasource.DataSource, warm int) (*Core, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if warm > ds.MaxConnections {
		warm = ds.MaxConnections
	}

	c := &Core{
		name:    ds.Name,
		ds:      ds,
		factory: factory,
		maxIdle: MaxIdleConnections(ds.MinConnections, ds.MaxConnections),
		records: make([]record, ds.MaxConnections),
		free:    make([]int, 0, ds.MaxConnections),
		idle:    make([]int, 0, ds.MaxConnections),
	}
	for i := ds.MaxConnections - 1; i >= 0; i-- {
		c.free = append(c.free, i)
	}

	for i := 0; i < warm; i++ {
		conn, err := c.connect(ctx)
		if err != nil {
			c.Shutdown()
			return nil, fmt.Errorf("opening warm connection %d/%d for pool %s: %w", i+1, warm, c.name, err)
		}
		c.mu.Lock()
		c.installLocked(conn, ConnStateIdle)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.updateMetrics()
	c.mu.Unlock()

	log.Printf("[pool] Pool %s — core initialized: %d idle, max=%d, max_idle=%d",
		c.name, warm, ds.MaxConnections, c.maxIdle)
	return c, nil
}

// Acquire returns a usable connection. It reuses the oldest idle connection,
// grows the pool when below MaxConnections, and otherwise waits up to
// MaxQueueWait for a release. A reused connection idle for at least
// ValidateIdleAfter is validated first. Connections failing validation or
// session reset are discarded and the borrow is retried.
func (c *Core) Acquire(ctx context.Context) (*PooledConn, error) {
	start := time.Now()

	var (
		lastErr         error
		tries           int
		connectFailures int
	)

	for tries < c.ds.MaxConnections+1 {
		tries++

		t, conn, idleFor, err := c.checkout(ctx, start)
		if err != nil {
			return nil, err
		}

		if conn == nil {
			conn, err = c.connect(ctx)
			if err != nil {
				c.cancelReservation()
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastErr = err
				connectFailures++
				if connectFailures >= maxConnectFailures {
					break
				}
				continue
			}
			var ok bool
			if t, ok = c.installReserved(conn); !ok {
				c.closeConn(conn, "closed_during_connect")
				return nil, ErrPoolClosed
			}
		} else if c.ds.ValidateIdleAfter >= 0 && idleFor >= c.ds.ValidateIdleAfter {
			// Session reset alone does not reach the server for most drivers.
			if err := c.probe(ctx, conn); err != nil {
				log.Printf("[pool] Pool %s — idle connection failed validation, discarding: %v", c.name, err)
				metrics.ConnectionErrors.WithLabelValues(c.name, "validation_failed").Inc()
				c.discard(t)
				lastErr = err
				continue
			}
		}

		if err := c.resetSession(ctx, conn); err != nil {
			log.Printf("[pool] Pool %s — session reset failed, discarding: %v", c.name, err)
			metrics.ConnectionErrors.WithLabelValues(c.name, "reset_failed").Inc()
			c.discard(t)
			lastErr = err
			continue
		}

		metrics.ConnectionsTotal.WithLabelValues(c.name, "acquired").Inc()
		return newPooledConn(c, t, conn), nil
	}

	metrics.ConnectionsTotal.WithLabelValues(c.name, "connectivity_error").Inc()
	return nil, &ConnectivityError{Pool: c.name, Attempts: tries, Err: lastErr}
}

// checkout takes an idle record or reserves capacity for a new connection
// (returned conn is nil), parking the caller while the pool is exhausted.
// The queue deadline is measured from start, so time already spent parked
// on earlier wake-ups counts against it.
func (c *Core) checkout(ctx context.Context, start time.Time) (ticket, Conn, time.Duration, error) {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
		parked bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	c.mu.Lock()
	for {
		if c.closed || c.retired {
			c.mu.Unlock()
			return ticket{}, nil, 0, ErrPoolClosed
		}

		if len(c.idle) > 0 {
			slot := c.idle[0]
			c.idle = c.idle[1:]
			r := &c.records[slot]
			idleFor := time.Since(r.lastUsedAt)
			// Each borrowing gets its own ticket.
			r.gen++
			r.state = ConnStateActive
			r.lastUsedAt = time.Now()
			c.busy++
			t := ticket{slot: slot, gen: r.gen}
			conn := r.conn
			c.updateMetrics()
			c.mu.Unlock()
			if parked {
				metrics.QueueWaitDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
			}
			return t, conn, idleFor, nil
		}

		if c.sizeLocked()+c.opening < c.ds.MaxConnections {
			c.opening++
			c.mu.Unlock()
			return ticket{}, nil, 0, nil
		}

		if c.ds.MaxQueueWait > 0 {
			remaining := c.ds.MaxQueueWait - time.Since(start)
			if remaining <= 0 {
				err := &TimeoutError{
					Pool:    c.name,
					Waited:  time.Since(start),
					Timeout: c.ds.MaxQueueWait,
					Busy:    c.busy,
				}
				c.mu.Unlock()
				metrics.ConnectionsTotal.WithLabelValues(c.name, "timeout").Inc()
				metrics.QueueWaitDuration.WithLabelValues(c.name).Observe(err.Waited.Seconds())
				return ticket{}, nil, 0, err
			}
			if timer == nil {
				timer = time.NewTimer(remaining)
				timerC = timer.C
			}
		}

		waiter := make(chan struct{}, 1)
		c.waiters = append(c.waiters, waiter)
		c.updateMetrics()
		parked = true
		c.mu.Unlock()

		var ctxErr error
		select {
		case <-waiter:
		case <-timerC:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}

		c.mu.Lock()
		c.removeWaiterLocked(waiter)
		if ctxErr != nil {
			// A wake-up meant for us must not be lost.
			c.passWakeupLocked()
			c.updateMetrics()
			c.mu.Unlock()
			metrics.ConnectionsTotal.WithLabelValues(c.name, "cancelled").Inc()
			return ticket{}, nil, 0, ctxErr
		}
	}
}

// release moves an active record back to idle and wakes one waiter. When
// nobody waits and the idle set is already at its cap, the connection is
// closed instead.
func (c *Core) release(t ticket) error {
	c.mu.Lock()
	r, ok := c.lookupLocked(t)
	if !ok {
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}
		return ErrAlreadyReleased
	}
	if r.state != ConnStateActive {
		c.mu.Unlock()
		return ErrAlreadyReleased
	}

	c.busy--
	r.lastUsedAt = time.Now()

	if c.retired || (len(c.waiters) == 0 && len(c.idle) >= c.maxIdle) {
		status := "shrunk"
		if c.retired {
			status = "retired"
		}
		conn := c.freeLocked(t.slot)
		c.updateMetrics()
		c.mu.Unlock()
		c.closeConn(conn, status)
		metrics.ConnectionsTotal.WithLabelValues(c.name, "released_"+status).Inc()
		return nil
	}

	r.state = ConnStateIdle
	c.idle = append(c.idle, t.slot)
	c.wakeOneLocked()
	c.updateMetrics()
	c.mu.Unlock()
	metrics.ConnectionsTotal.WithLabelValues(c.name, "released").Inc()
	return nil
}

// discard removes an active record permanently and disconnects it.
func (c *Core) discard(t ticket) error {
	c.mu.Lock()
	r, ok := c.lookupLocked(t)
	if !ok {
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}
		return ErrAlreadyReleased
	}
	if r.state != ConnStateActive {
		c.mu.Unlock()
		return ErrAlreadyReleased
	}

	c.busy--
	conn := c.freeLocked(t.slot)
	c.passWakeupLocked()
	c.updateMetrics()
	c.mu.Unlock()

	c.closeConn(conn, "discarded")
	metrics.ConnectionErrors.WithLabelValues(c.name, "discarded").Inc()
	return nil
}

// reconnect swaps a fresh physical connection into the active record named
// by t and closes the lost one. The ticket stays valid. It returns cause
// unchanged when the record already reconnected within reconnectThrottle.
func (c *Core) reconnect(ctx context.Context, t ticket, cause error) (Conn, error) {
	c.mu.Lock()
	r, ok := c.lookupLocked(t)
	if !ok || r.state != ConnStateActive {
		c.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if since := time.Since(r.reconnectedAt); !r.reconnectedAt.IsZero() && since < reconnectThrottle {
		c.mu.Unlock()
		log.Printf("[pool] Pool %s — connection lost again %s after reconnecting, giving up: %v",
			c.name, since.Round(time.Millisecond), cause)
		return nil, cause
	}
	r.reconnectedAt = time.Now()
	c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		log.Printf("[pool] Pool %s — reconnect after lost connection failed: %v", c.name, err)
		return nil, err
	}

	c.mu.Lock()
	r, ok = c.lookupLocked(t)
	if !ok || r.state != ConnStateActive {
		c.mu.Unlock()
		c.closeConn(conn, "closed_during_reconnect")
		return nil, ErrPoolClosed
	}
	lost := r.conn
	r.conn = conn
	r.createdAt = time.Now()
	c.mu.Unlock()

	c.closeConn(lost, "reconnected")
	metrics.ConnectionErrors.WithLabelValues(c.name, "reconnected").Inc()
	log.Printf("[pool] Pool %s — connection lost (%v), reconnected in place", c.name, cause)
	return conn, nil
}

// Shutdown closes every idle and active connection and clears the arena.
// Parked callers get ErrPoolClosed. Close errors are logged and ignored.
func (c *Core) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	conns := make([]Conn, 0, c.sizeLocked())
	for i := range c.records {
		if c.records[i].state != ConnStateClosed {
			conns = append(conns, c.freeLocked(i))
		}
	}
	c.idle = nil
	c.busy = 0
	c.validating = 0
	c.wakeAllLocked()
	c.updateMetrics()
	c.mu.Unlock()

	for _, conn := range conns {
		c.closeConn(conn, "shutdown")
	}
	log.Printf("[pool] Pool %s — core shut down, closed %d connections", c.name, len(conns))
}

// Close implements ConnectionPool.
func (c *Core) Close() error {
	c.Shutdown()
	return nil
}

// Retire stops a replaced core from serving: idle connections are closed now,
// active ones when their handles are released. Parked callers get
// ErrPoolClosed.
func (c *Core) Retire() {
	c.mu.Lock()
	if c.closed || c.retired {
		c.mu.Unlock()
		return
	}
	c.retired = true

	conns := make([]Conn, 0, len(c.idle))
	for _, slot := range c.idle {
		conns = append(conns, c.freeLocked(slot))
	}
	c.idle = nil
	c.wakeAllLocked()
	busy := c.busy
	c.mu.Unlock()

	for _, conn := range conns {
		c.closeConn(conn, "retired")
	}
	log.Printf("[pool] Pool %s — core retired: closed %d idle, %d still checked out",
		c.name, len(conns), busy)
}

// PoolSize returns the number of open connections, idle or not.
func (c *Core) PoolSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeLocked()
}

// AvailableSize returns the number of idle connections.
func (c *Core) AvailableSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.idle)
}

// Stats returns current pool statistics.
func (c *Core) Stats() PoolStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PoolStats{
		Name:       c.name,
		Active:     c.busy,
		Idle:       len(c.idle),
		Validating: c.validating,
		Min:        c.ds.MinConnections,
		Max:        c.ds.MaxConnections,
		WaitQueue:  len(c.waiters),
	}
}

// ── Internal helpers ─────────────────────────────────────────────────────

// connect opens one physical connection through the factory.
func (c *Core) connect(ctx context.Context) (Conn, error) {
	if c.ds.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ds.ConnectTimeout)
		defer cancel()
	}
	conn, err := c.factory.Connect(ctx)
	if err != nil {
		metrics.ConnectionErrors.WithLabelValues(c.name, "create_failed").Inc()
		return nil, err
	}
	return conn, nil
}

func (c *Core) cancelReservation() {
	c.mu.Lock()
	c.opening--
	c.passWakeupLocked()
	c.mu.Unlock()
}

func (c *Core) installReserved(conn Conn) (ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opening--
	t, ok := c.installLocked(conn, ConnStateActive)
	if ok {
		c.updateMetrics()
	}
	return t, ok
}

// installLocked places conn into a free slot in the given state.
func (c *Core) installLocked(conn Conn, state ConnState) (ticket, bool) {
	if c.closed || c.retired || len(c.free) == 0 {
		return ticket{}, false
	}
	slot := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]

	now := time.Now()
	r := &c.records[slot]
	r.conn = conn
	r.state = state
	r.createdAt = now
	r.lastUsedAt = now

	switch state {
	case ConnStateIdle:
		c.idle = append(c.idle, slot)
		c.wakeOneLocked()
	case ConnStateActive:
		c.busy++
	}
	return ticket{slot: slot, gen: r.gen}, true
}

// lookupLocked resolves a ticket, rejecting stale ones.
func (c *Core) lookupLocked(t ticket) (*record, bool) {
	if t.slot < 0 || t.slot >= len(c.records) {
		return nil, false
	}
	r := &c.records[t.slot]
	if r.gen != t.gen || r.state == ConnStateClosed {
		return nil, false
	}
	return r, true
}

// freeLocked clears a slot, invalidating outstanding tickets for it, and
// returns the connection that occupied it.
func (c *Core) freeLocked(slot int) Conn {
	r := &c.records[slot]
	conn := r.conn
	*r = record{gen: r.gen + 1}
	c.free = append(c.free, slot)
	return conn
}

func (c *Core) sizeLocked() int {
	return len(c.idle) + c.busy + c.validating
}

func (c *Core) wakeOneLocked() {
	if len(c.waiters) == 0 {
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

func (c *Core) wakeAllLocked() {
	for _, w := range c.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	c.waiters = nil
}

// passWakeupLocked wakes a waiter if there is something it could take.
func (c *Core) passWakeupLocked() {
	if len(c.idle) > 0 || c.sizeLocked()+c.opening < c.ds.MaxConnections {
		c.wakeOneLocked()
	}
}

func (c *Core) removeWaiterLocked(ch chan struct{}) {
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// probe runs the validation query, or a ping when none is configured.
func (c *Core) probe(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if c.ds.ValidationQuery == "" {
		return conn.PingContext(ctx)
	}
	_, err := conn.ExecContext(ctx, c.ds.ValidationQuery)
	return err
}

// resetSession clears session state before a connection is handed out.
func (c *Core) resetSession(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if r, ok := conn.(SessionResetter); ok {
		if err := r.ResetSession(ctx); err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
	}
	if c.ds.ResetQuery != "" {
		if _, err := conn.ExecContext(ctx, c.ds.ResetQuery); err != nil {
			return fmt.Errorf("reset query: %w", err)
		}
	}
	return nil
}

func (c *Core) closeConn(conn Conn, reason string) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		log.Printf("[pool] Pool %s — error closing connection (%s), ignoring: %v", c.name, reason, err)
		metrics.ConnectionErrors.WithLabelValues(c.name, "close_failed").Inc()
	}
}

// updateMetrics refreshes Prometheus gauges. A retired core no longer
// reports, since its successor owns the pool's series.
func (c *Core) updateMetrics() {
	if c.retired {
		return
	}
	metrics.ConnectionsActive.WithLabelValues(c.name).Set(float64(c.busy))
	metrics.ConnectionsIdle.WithLabelValues(c.name).Set(float64(len(c.idle)))
	metrics.Waiters.WithLabelValues(c.name).Set(float64(len(c.waiters)))
}
