package pool

import (
	"context"
	"log"
	"time"

	"github.com/joao-brasil/dbpool/internal/metrics"
)

// ValidationReport summarizes one maintenance pass over the idle set.
type ValidationReport struct {
	Checked int
	Evicted int
	// Expired counts connections closed for outliving MaxLifetime. They are
	// not validated and do not count towards Checked.
	Expired int
}

// AllFailed reports whether the pass checked at least one connection and
// every one of them failed validation.
func (r ValidationReport) AllFailed() bool {
	return r.Checked > 0 && r.Evicted == r.Checked
}

// ValidateIdle runs the validation query against each idle connection and
// evicts the ones that fail. Connections older than MaxLifetime are closed
// without being validated. The lock is only held while a record is taken
// out of and put back into the idle set; acquirers never see a record under
// validation.
func (c *Core) ValidateIdle(ctx context.Context) ValidationReport {
	var report ValidationReport

	c.mu.Lock()
	n := len(c.idle)
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		c.mu.Lock()
		if c.closed || c.retired || len(c.idle) == 0 {
			c.mu.Unlock()
			break
		}
		slot := c.idle[0]
		c.idle = c.idle[1:]
		r := &c.records[slot]
		r.state = ConnStateValidating
		c.validating++
		t := ticket{slot: slot, gen: r.gen}
		conn := r.conn
		expired := c.ds.MaxLifetime > 0 && time.Since(r.createdAt) > c.ds.MaxLifetime
		c.mu.Unlock()

		var err error
		if !expired {
			err = c.probe(ctx, conn)
		}

		c.mu.Lock()
		r, ok := c.lookupLocked(t)
		if !ok {
			// Shut down underneath us; the connection is already closed.
			c.mu.Unlock()
			break
		}
		c.validating--
		if !expired {
			report.Checked++
		}

		if expired || err != nil || c.retired {
			c.freeLocked(slot)
			c.passWakeupLocked()
			c.updateMetrics()
			c.mu.Unlock()
			if expired {
				c.closeConn(conn, "max_lifetime")
				report.Expired++
				log.Printf("[pool] Pool %s — idle connection reached max lifetime %s, closed", c.name, c.ds.MaxLifetime)
				continue
			}
			c.closeConn(conn, "validation")
			if err != nil {
				report.Evicted++
				metrics.ValidationEvictions.WithLabelValues(c.name).Inc()
				log.Printf("[pool] Pool %s — validation failed for idle connection, evicted: %v", c.name, err)
			}
			continue
		}

		r.state = ConnStateIdle
		c.idle = append(c.idle, slot)
		c.wakeOneLocked()
		c.updateMetrics()
		c.mu.Unlock()
	}

	if report.Evicted > 0 || report.Expired > 0 {
		log.Printf("[pool] Pool %s — validation: %d checked, %d evicted, %d expired",
			c.name, report.Checked, report.Evicted, report.Expired)
	}
	return report
}

// EnsureMinimum opens connections until the pool holds MinConnections again.
// It returns the number of connections created.
func (c *Core) EnsureMinimum(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.closed || c.retired {
		c.mu.Unlock()
		return 0, ErrPoolClosed
	}
	deficit := c.ds.MinConnections - c.sizeLocked() - c.opening
	headroom := c.ds.MaxConnections - c.sizeLocked() - c.opening
	if deficit > headroom {
		deficit = headroom
	}
	if deficit <= 0 {
		c.mu.Unlock()
		return 0, nil
	}
	c.opening += deficit
	c.mu.Unlock()

	created := 0
	for i := 0; i < deficit; i++ {
		conn, err := c.connect(ctx)
		if err != nil {
			c.mu.Lock()
			c.opening -= deficit - i
			c.passWakeupLocked()
			c.mu.Unlock()
			log.Printf("[pool] Pool %s — failed to create min connection: %v", c.name, err)
			return created, err
		}
		c.mu.Lock()
		c.opening--
		_, ok := c.installLocked(conn, ConnStateIdle)
		c.updateMetrics()
		c.mu.Unlock()
		if !ok {
			c.closeConn(conn, "closed_during_refill")
			c.mu.Lock()
			c.opening -= deficit - i - 1
			c.mu.Unlock()
			return created, ErrPoolClosed
		}
		created++
	}

	if created > 0 {
		log.Printf("[pool] Pool %s — replenished %d idle connections", c.name, created)
	}
	return created, nil
}

// ProbeFactory opens one fresh connection to tell a broken pool apart from a
// database that is down. On success the connection joins the idle set when
// there is room for it.
func (c *Core) ProbeFactory(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.retired {
		c.mu.Unlock()
		return ErrPoolClosed
	}
	c.opening++
	c.mu.Unlock()

	conn, err := c.connect(ctx)

	c.mu.Lock()
	c.opening--
	if err != nil {
		c.passWakeupLocked()
		c.mu.Unlock()
		return err
	}
	_, ok := c.installLocked(conn, ConnStateIdle)
	c.updateMetrics()
	c.mu.Unlock()

	if !ok {
		c.closeConn(conn, "probe")
	}
	return nil
}
