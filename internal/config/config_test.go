package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joao-brasil/dbpool/pkg/datasource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  instance_id: poold-1
  health_check_port: 8081
redis:
  enabled: true
  addr: localhost:6379
  publish_interval: 5s
data_sources:
  - name: orders
    driver: sqlserver
    host: db.internal
    port: 1433
    database: orders
    username: app
    password: ${TEST_DBPOOL_PASSWORD}
    min_connections: 2
    max_connections: 10
    max_queue_wait: 5s
    reset_query: EXEC sp_reset_connection
  - name: cache
    driver: sqlite3
    path: /var/lib/dbpool/cache.db
    max_connections: 1
`

func TestParse(t *testing.T) {
	t.Setenv("TEST_DBPOOL_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "poold-1", cfg.Server.InstanceID)
	assert.Equal(t, 8081, cfg.Server.HealthCheckPort)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Redis.PublishInterval)
	assert.Equal(t, 15*time.Second, cfg.Redis.StatsTTL)
	assert.Equal(t, 5*time.Second, cfg.Redis.DialTimeout)

	require.Len(t, cfg.DataSources, 2)
	orders := cfg.DataSources[0]
	assert.Equal(t, datasource.DriverSQLServer, orders.Driver)
	assert.Equal(t, "s3cret", orders.Password)
	assert.Equal(t, 2, orders.MinConnections)
	assert.Equal(t, 10, orders.MaxConnections)
	assert.Equal(t, 5*time.Second, orders.MaxQueueWait)
	assert.Equal(t, "EXEC sp_reset_connection", orders.ResetQuery)
	assert.Equal(t, DefaultValidationQuery, orders.ValidationQuery)
	assert.Equal(t, DefaultMaintenanceInterval, orders.MaintenanceInterval)

	cache := cfg.DataSources[1]
	assert.Equal(t, 0, cache.MinConnections)
	assert.Equal(t, DefaultMaxQueueWait, cache.MaxQueueWait)
	assert.Equal(t, DefaultConnectTimeout, cache.ConnectTimeout)
	assert.Equal(t, time.Duration(0), cache.ValidateIdleAfter, "every borrow is validated by default")
	assert.Equal(t, time.Duration(0), cache.MaxLifetime)
}

func TestParseKeepsExplicitZeroValues(t *testing.T) {
	cfg, err := Parse([]byte(`
data_sources:
  - name: unbounded
    driver: sqlite3
    path: a.db
    max_connections: 2
    max_queue_wait: 0s
    validation_query: ""
    validate_idle_after: -1s
    max_lifetime: 30m
  - name: defaults
    driver: sqlite3
    path: b.db
    max_connections: 2
`))
	require.NoError(t, err)
	require.Len(t, cfg.DataSources, 2)

	unbounded := cfg.DataSources[0]
	assert.Equal(t, time.Duration(0), unbounded.MaxQueueWait)
	assert.Equal(t, "", unbounded.ValidationQuery, "ping-only validation")
	assert.Equal(t, -time.Second, unbounded.ValidateIdleAfter)
	assert.Equal(t, 30*time.Minute, unbounded.MaxLifetime)
	assert.Equal(t, DefaultConnectTimeout, unbounded.ConnectTimeout)

	defaults := cfg.DataSources[1]
	assert.Equal(t, DefaultMaxQueueWait, defaults.MaxQueueWait)
	assert.Equal(t, DefaultValidationQuery, defaults.ValidationQuery)
}

func TestParseGeneratesInstanceID(t *testing.T) {
	cfg, err := Parse([]byte(`
data_sources:
  - name: a
    driver: sqlite3
    path: a.db
    max_connections: 1
`))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Server.InstanceID)
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no data sources",
			yaml: `server: {}`,
			want: "at least one data source",
		},
		{
			name: "missing name",
			yaml: `
data_sources:
  - driver: sqlite3
    path: a.db
    max_connections: 1
`,
			want: "name is required",
		},
		{
			name: "duplicate name",
			yaml: `
data_sources:
  - {name: a, driver: sqlite3, path: a.db, max_connections: 1}
  - {name: a, driver: sqlite3, path: b.db, max_connections: 1}
`,
			want: "duplicated",
		},
		{
			name: "missing driver",
			yaml: `
data_sources:
  - {name: a, path: a.db, max_connections: 1}
`,
			want: "driver is required",
		},
		{
			name: "unsupported driver",
			yaml: `
data_sources:
  - {name: a, driver: oracle, host: db, max_connections: 1}
`,
			want: "not supported",
		},
		{
			name: "missing host",
			yaml: `
data_sources:
  - {name: a, driver: mysql, max_connections: 1}
`,
			want: "host is required",
		},
		{
			name: "missing path",
			yaml: `
data_sources:
  - {name: a, driver: sqlite3, max_connections: 1}
`,
			want: "path is required",
		},
		{
			name: "min above max",
			yaml: `
data_sources:
  - {name: a, driver: pgx, host: db, min_connections: 5, max_connections: 2}
`,
			want: "can not be bigger",
		},
		{
			name: "negative min",
			yaml: `
data_sources:
  - {name: a, driver: pgx, host: db, min_connections: -1, max_connections: 2}
`,
			want: "can not be negative",
		},
		{
			name: "redis without addr",
			yaml: `
redis: {enabled: true}
data_sources:
  - {name: a, driver: sqlite3, path: a.db, max_connections: 1}
`,
			want: "redis.addr",
		},
		{
			name: "negative max lifetime",
			yaml: `
data_sources:
  - {name: a, driver: sqlite3, path: a.db, max_connections: 1, max_lifetime: -1s}
`,
			want: "max_lifetime",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseRawDSNSkipsHostCheck(t *testing.T) {
	cfg, err := Parse([]byte(`
data_sources:
  - name: a
    driver: pgx
    dsn: postgres://app@localhost/app
    max_connections: 3
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://app@localhost/app", cfg.DataSources[0].DSN())
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_DBPOOL_PASSWORD", "from-env")
	path := filepath.Join(t.TempDir(), "dbpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.DataSources[0].Password)

	ds, ok := cfg.DataSourceByName("cache")
	require.True(t, ok)
	assert.Equal(t, datasource.DriverSQLite, ds.Driver)

	_, ok = cfg.DataSourceByName("missing")
	assert.False(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}
