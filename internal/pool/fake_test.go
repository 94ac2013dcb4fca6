package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/dbpool/pkg/datasource"
)

var (
	errFakeBroken = errors.New("fake: connection reset by peer")
	errFakeClosed = errors.New("fake: use of closed connection")
	errFakeDown   = errors.New("fake: database unreachable")

	errFakeDropped = fmt.Errorf("fake: server closed the connection: %w", driver.ErrBadConn)
)

// fakeConn is a physical connection that can be broken on demand.
type fakeConn struct {
	id       int
	broken   atomic.Bool
	dropped  atomic.Bool // reports driver.ErrBadConn
	closed   atomic.Bool
	closeErr error
	resets   atomic.Int32
	execs    atomic.Int32
}

func (c *fakeConn) check() error {
	if c.closed.Load() {
		return errFakeClosed
	}
	if c.dropped.Load() {
		return errFakeDropped
	}
	if c.broken.Load() {
		return errFakeBroken
	}
	return nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.execs.Add(1)
	return driver.RowsAffected(0), nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("fake: queries not supported")
}

func (c *fakeConn) PingContext(ctx context.Context) error {
	return c.check()
}

func (c *fakeConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return nil, errors.New("fake: transactions not supported")
}

func (c *fakeConn) ResetSession(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	c.resets.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return c.closeErr
}

// bareConn hides fakeConn's ResetSession, like drivers whose session reset
// never reaches the server.
type bareConn struct {
	c *fakeConn
}

func (b bareConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.c.ExecContext(ctx, query, args...)
}

func (b bareConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.c.QueryContext(ctx, query, args...)
}

func (b bareConn) PingContext(ctx context.Context) error { return b.c.PingContext(ctx) }

func (b bareConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return b.c.BeginTx(ctx, opts)
}

func (b bareConn) Close() error { return b.c.Close() }

func bareFactory(f *fakeFactory) Factory {
	return FactoryFunc(func(ctx context.Context) (Conn, error) {
		conn, err := f.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return bareConn{c: conn.(*fakeConn)}, nil
	})
}

// fakeFactory hands out fakeConns and can simulate outages.
type fakeFactory struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failNext int
	down     bool
	closeErr error
	delay    time.Duration
}

func (f *fakeFactory) Connect(ctx context.Context) (Conn, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errFakeDown
	}
	if f.failNext > 0 {
		f.failNext--
		return nil, errFakeDown
	}
	c := &fakeConn{id: len(f.conns) + 1, closeErr: f.closeErr}
	f.conns = append(f.conns, c)
	return c, nil
}

// breakAll makes every connection opened so far fail on next use, and the
// next failNext connect attempts fail too.
func (f *fakeFactory) breakAll(failNext int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.broken.Store(true)
	}
	f.failNext = failNext
}

func (f *fakeFactory) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// live counts connections that are open and healthy.
func (f *fakeFactory) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if !c.closed.Load() && !c.broken.Load() {
			n++
		}
	}
	return n
}

// open counts connections that were never closed.
func (f *fakeFactory) open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.conns {
		if !c.closed.Load() {
			n++
		}
	}
	return n
}

func testDataSource(name string, min, max int) datasource.DataSource {
	return datasource.DataSource{
		Name:                name,
		Driver:              datasource.DriverSQLite,
		Path:                ":memory:",
		MinConnections:      min,
		MaxConnections:      max,
		MaxQueueWait:        2 * time.Second,
		ValidationQuery:     "SELECT 1",
		MaintenanceInterval: time.Hour,
	}
}
