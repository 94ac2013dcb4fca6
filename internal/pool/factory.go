package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/joao-brasil/dbpool/pkg/datasource"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
)

// Conn is a physical database connection. *sql.Conn satisfies it.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// SessionResetter is implemented by connections that can clear session state
// (open transactions, session variables, pending warnings) between borrowings.
type SessionResetter interface {
	ResetSession(ctx context.Context) error
}

// Factory opens physical connections on demand. It may fail transiently or
// permanently.
type Factory interface {
	Connect(ctx context.Context) (Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Conn, error)

// Connect calls f.
func (f FactoryFunc) Connect(ctx context.Context) (Conn, error) { return f(ctx) }

// SQLFactory opens physical connections through a database/sql driver.
// The underlying *sql.DB keeps no idle connections of its own, so closing a
// connection it handed out disconnects it.
type SQLFactory struct {
	name string
	db   *sql.DB
}

// NewSQLFactory prepares a factory for the data source's driver. No
// connection is opened until Connect.
func NewSQLFactory(ds *datasource.DataSource) (*SQLFactory, error) {
	db, err := sql.Open(ds.Driver, ds.DSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open(%s): %w", ds.Driver, err)
	}

	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(0)
	db.SetConnMaxLifetime(0) // lifetime is managed by the pool

	return &SQLFactory{name: ds.Name, db: db}, nil
}

// Connect opens one dedicated physical connection and verifies it.
func (f *SQLFactory) Connect(ctx context.Context) (Conn, error) {
	c, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", f.name, err)
	}
	if err := c.PingContext(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping %s: %w", f.name, err)
	}
	return &sqlConn{Conn: c}, nil
}

// Close releases the driver handle.
func (f *SQLFactory) Close() error {
	return f.db.Close()
}

// sqlConn adds driver-level session reset to *sql.Conn.
type sqlConn struct {
	*sql.Conn
}

func (c *sqlConn) ResetSession(ctx context.Context) error {
	return c.Conn.Raw(func(dc any) error {
		if r, ok := dc.(driver.SessionResetter); ok {
			return r.ResetSession(ctx)
		}
		return nil
	})
}
