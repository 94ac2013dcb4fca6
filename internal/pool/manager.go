package pool

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/pkg/datasource"
	"golang.org/x/sync/errgroup"
)

// FactoryOpener builds the connection factory for a data source.
type FactoryOpener func(ds *datasource.DataSource) (Factory, error)

// OpenSQLFactory is the default FactoryOpener, backed by database/sql drivers.
func OpenSQLFactory(ds *datasource.DataSource) (Factory, error) {
	return NewSQLFactory(ds)
}

// Manager holds one supervised pool per configured data source.
type Manager struct {
	mu        sync.RWMutex
	pools     map[string]*Supervisor // keyed by data source name
	factories []Factory
}

// NewManager creates a Manager with a database/sql backed pool for every data
// source in cfg.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	return NewManagerWith(ctx, cfg.DataSources, OpenSQLFactory)
}

// NewManagerWith creates a Manager using open to build each pool's factory.
// Pools are initialized concurrently; if any fails, the ones already created
// are closed.
func NewManagerWith(ctx context.Context, sources []datasource.DataSource, open FactoryOpener) (*Manager, error) {
	m := &Manager{
		pools: make(map[string]*Supervisor, len(sources)),
	}

	seen := make(map[string]bool, len(sources))
	for i := range sources {
		ds := &sources[i]
		if seen[ds.Name] {
			m.Close()
			return nil, fmt.Errorf("duplicate data source name: %s", ds.Name)
		}
		seen[ds.Name] = true

		factory, err := open(ds)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("opening factory for %s: %w", ds.Name, err)
		}
		m.factories = append(m.factories, factory)
	}

	sups := make([]*Supervisor, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i := range sources {
		i := i
		g.Go(func() error {
			sup, err := New(gctx, m.factories[i], sources[i])
			if err != nil {
				return err
			}
			sups[i] = sup
			return nil
		})
	}
	err := g.Wait()

	for i, sup := range sups {
		if sup != nil {
			m.pools[sources[i].Name] = sup
		}
	}
	if err != nil {
		m.Close()
		return nil, err
	}

	log.Printf("[manager] Manager initialized: %d pools", len(m.pools))
	return m, nil
}

// Acquire obtains a connection from the named pool.
func (m *Manager) Acquire(ctx context.Context, name string) (*PooledConn, error) {
	p, ok := m.Pool(name)
	if !ok {
		return nil, fmt.Errorf("unknown data source: %s", name)
	}
	return p.Acquire(ctx)
}

// Pool returns the supervisor for a data source name.
func (m *Manager) Pool(name string) (*Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}

// Names returns the configured data source names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name, p := range m.pools {
		if p != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stats returns statistics for every pool, sorted by name.
func (m *Manager) Stats() []PoolStats {
	names := m.Names()
	stats := make([]PoolStats, 0, len(names))
	for _, name := range names {
		if p, ok := m.Pool(name); ok {
			stats = append(stats, p.Stats())
		}
	}
	return stats
}

// Close shuts down every pool and releases the factories.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, p := range m.pools {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool %s: %w", name, err)
		}
	}
	m.pools = nil

	for _, f := range m.factories {
		if c, ok := f.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing factory: %w", err)
			}
		}
	}
	m.factories = nil

	log.Println("[manager] Manager closed")
	return firstErr
}
