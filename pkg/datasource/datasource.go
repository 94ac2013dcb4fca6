// Package datasource defines the data source model: where a pool connects to
// and the sizing policy applied to it.
package datasource

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported driver names, as registered with database/sql.
const (
	DriverSQLServer = "sqlserver"
	DriverMySQL     = "mysql"
	DriverPostgres  = "pgx"
	DriverSQLite    = "sqlite3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid data source")

// DataSource describes one pooled database and the pool parameters for it.
// It is treated as immutable once loaded.
type DataSource struct {
	Name     string `yaml:"name"`
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Path is used by file-backed drivers (sqlite3) instead of Host/Port.
	Path string `yaml:"path"`

	// RawDSN, when set, is passed to the driver verbatim.
	RawDSN string `yaml:"dsn"`

	MinConnections int `yaml:"min_connections"`
	MaxConnections int `yaml:"max_connections"`

	// MaxQueueWait bounds how long Acquire waits for a free connection.
	// Zero waits without a deadline.
	MaxQueueWait time.Duration `yaml:"max_queue_wait"`

	// ValidationQuery is a cheap parameterless probe, e.g. "SELECT 1".
	// Empty disables query validation (ping is used instead).
	ValidationQuery string `yaml:"validation_query"`

	// ResetQuery runs on every borrow after the driver session reset,
	// e.g. "EXEC sp_reset_connection" for SQL Server.
	ResetQuery string `yaml:"reset_query"`

	// ValidateIdleAfter re-validates an idle connection on borrow once it has
	// been idle at least this long. Zero validates every borrow; a negative
	// value disables borrow-time validation.
	ValidateIdleAfter time.Duration `yaml:"validate_idle_after"`

	// MaxLifetime closes idle connections older than this during
	// maintenance. Zero keeps them indefinitely.
	MaxLifetime time.Duration `yaml:"max_lifetime"`

	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
}

// Validate checks the sizing invariants.
func (d *DataSource) Validate() error {
	if d.MinConnections < 0 {
		return fmt.Errorf("%w: min_connections can not be negative (%d)", ErrInvalid, d.MinConnections)
	}
	if d.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections can not be negative (%d)", ErrInvalid, d.MaxConnections)
	}
	if d.MaxConnections < 1 {
		return fmt.Errorf("%w: max_connections must be at least 1", ErrInvalid)
	}
	if d.MinConnections > d.MaxConnections {
		return fmt.Errorf("%w: min_connections (%d) can not be bigger than max_connections (%d)",
			ErrInvalid, d.MinConnections, d.MaxConnections)
	}
	if d.MaxQueueWait < 0 {
		return fmt.Errorf("%w: max_queue_wait can not be negative", ErrInvalid)
	}
	if d.MaxLifetime < 0 {
		return fmt.Errorf("%w: max_lifetime can not be negative", ErrInvalid)
	}
	return nil
}

// DSN returns the driver-specific connection string.
func (d *DataSource) DSN() string {
	if d.RawDSN != "" {
		return d.RawDSN
	}

	switch d.Driver {
	case DriverSQLServer:
		q := url.Values{}
		q.Set("database", d.Database)
		if d.ConnectTimeout > 0 {
			q.Set("connection timeout", strconv.Itoa(int(d.ConnectTimeout.Seconds())))
		}
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(d.Username, d.Password),
			Host:     d.Addr(),
			RawQuery: q.Encode(),
		}
		return u.String()

	case DriverMySQL:
		cfg := mysql.NewConfig()
		cfg.User = d.Username
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = d.Addr()
		cfg.DBName = d.Database
		cfg.ParseTime = true
		cfg.Timeout = d.ConnectTimeout
		return cfg.FormatDSN()

	case DriverPostgres:
		q := url.Values{}
		if d.ConnectTimeout > 0 {
			q.Set("connect_timeout", strconv.Itoa(int(d.ConnectTimeout.Seconds())))
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.Username, d.Password),
			Host:     d.Addr(),
			Path:     "/" + d.Database,
			RawQuery: q.Encode(),
		}
		return u.String()

	case DriverSQLite:
		return d.Path
	}

	return ""
}

// Addr returns host:port.
func (d *DataSource) Addr() string {
	return d.Host + ":" + strconv.Itoa(d.Port)
}

// String describes the data source for logs, without the password.
func (d *DataSource) String() string {
	target := d.Addr() + "/" + d.Database
	if d.Driver == DriverSQLite {
		target = d.Path
	}
	return fmt.Sprintf("%s[%s %s min=%d max=%d queue_wait=%s]",
		d.Name, d.Driver, target, d.MinConnections, d.MaxConnections, d.MaxQueueWait)
}
