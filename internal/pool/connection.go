// Package pool provides a self-healing pool of database connections.
// A Core owns one generation of physical connections; a Supervisor owns the
// current Core, validates idle connections in the background and swaps in a
// fresh Core when the whole pool turns out to be broken.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle state of a record in a core's arena.
type ConnState int

const (
	ConnStateClosed     ConnState = iota // Slot is free
	ConnStateIdle                        // Available in the pool
	ConnStateActive                      // Checked out by a caller
	ConnStateValidating                  // Held by the maintenance pass
)

func (s ConnState) String() string {
	switch s {
	case ConnStateIdle:
		return "idle"
	case ConnStateActive:
		return "active"
	case ConnStateValidating:
		return "validating"
	default:
		return "closed"
	}
}

// ticket identifies a record inside the core that issued it. The generation
// changes on every checkout and whenever the slot is freed, so a stale ticket
// never matches a later borrowing or a record cleared by shutdown.
type ticket struct {
	slot int
	gen  uint64
}

// record is one slot of a core's arena.
type record struct {
	conn       Conn
	state      ConnState
	gen        uint64
	createdAt  time.Time
	lastUsedAt time.Time

	// reconnectedAt is when the handle holding this record last swapped in a
	// fresh physical connection.
	reconnectedAt time.Time
}

// PooledConn is the handle callers receive from Acquire. Close returns the
// connection to the core that issued it instead of disconnecting; every other
// operation is forwarded to the physical connection.
//
// When an operation fails because the physical connection is gone, the handle
// reconnects once in place and retries the operation. A record reconnects at
// most once per minute; past that the error is returned as is.
type PooledConn struct {
	owner    *Core
	ticket   ticket
	released atomic.Bool

	mu   sync.Mutex
	conn Conn
}

func newPooledConn(owner *Core, t ticket, conn Conn) *PooledConn {
	return &PooledConn{
		owner:  owner,
		ticket: t,
		conn:   conn,
	}
}

func (c *PooledConn) physical() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// reconnect replaces the physical connection after cause reported it lost.
func (c *PooledConn) reconnect(ctx context.Context, cause error) (Conn, bool) {
	if !connectionLost(cause) || c.released.Load() {
		return nil, false
	}
	conn, err := c.owner.reconnect(ctx, c.ticket, cause)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, true
}

// connectionLost reports whether err means the physical connection is unusable.
func connectionLost(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

// ExecContext forwards to the physical connection.
func (c *PooledConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.released.Load() {
		return nil, ErrAlreadyReleased
	}
	res, err := c.physical().ExecContext(ctx, query, args...)
	if err != nil {
		if conn, ok := c.reconnect(ctx, err); ok {
			return conn.ExecContext(ctx, query, args...)
		}
	}
	return res, err
}

// QueryContext forwards to the physical connection.
func (c *PooledConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.released.Load() {
		return nil, ErrAlreadyReleased
	}
	rows, err := c.physical().QueryContext(ctx, query, args...)
	if err != nil {
		if conn, ok := c.reconnect(ctx, err); ok {
			return conn.QueryContext(ctx, query, args...)
		}
	}
	return rows, err
}

// PingContext forwards to the physical connection.
func (c *PooledConn) PingContext(ctx context.Context) error {
	if c.released.Load() {
		return ErrAlreadyReleased
	}
	err := c.physical().PingContext(ctx)
	if err != nil {
		if conn, ok := c.reconnect(ctx, err); ok {
			return conn.PingContext(ctx)
		}
	}
	return err
}

// BeginTx forwards to the physical connection. The pool attaches no
// transaction semantics of its own, and a failed BeginTx is not retried.
func (c *PooledConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c.released.Load() {
		return nil, ErrAlreadyReleased
	}
	return c.physical().BeginTx(ctx, opts)
}

// Close returns the connection to its pool. A second Close returns
// ErrAlreadyReleased and has no effect on the pool.
func (c *PooledConn) Close() error {
	if !c.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	return c.owner.release(c.ticket)
}

// Discard removes the connection from its pool and disconnects it. Use it
// after the driver reported the connection unusable.
func (c *PooledConn) Discard() error {
	if !c.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	return c.owner.discard(c.ticket)
}

// Released reports whether the handle was closed or discarded.
func (c *PooledConn) Released() bool {
	return c.released.Load()
}

// Pool returns the name of the pool that issued the handle.
func (c *PooledConn) Pool() string {
	return c.owner.name
}
