// Package config handles loading and validating pool configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joao-brasil/dbpool/pkg/datasource"
	"gopkg.in/yaml.v3"
)

// Defaults applied to data sources that leave a field out. A key written
// explicitly, even with a zero value, is kept as is.
const (
	DefaultMaxQueueWait        = 20 * time.Second
	DefaultMaintenanceInterval = 30 * time.Second
	DefaultConnectTimeout      = 30 * time.Second
	DefaultValidationQuery     = "SELECT 1"
)

// ServerConfig holds the daemon's own settings.
type ServerConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	HealthCheckPort int           `yaml:"health_check_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds the Redis connection used to publish pool statistics.
type RedisConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	StatsTTL        time.Duration `yaml:"stats_ttl"`
}

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Redis       RedisConfig             `yaml:"redis"`
	DataSources []datasource.DataSource `yaml:"data_sources"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing, so secrets can stay out of
// the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, validates and applies defaults to a YAML document.
func Parse(data []byte) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	// Second pass to learn which data source keys were written at all.
	var keys struct {
		DataSources []map[string]interface{} `yaml:"data_sources"`
	}
	if err := yaml.Unmarshal(expanded, &keys); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	cfg.applyDefaults(keys.DataSources)

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.DataSources) == 0 {
		return fmt.Errorf("at least one data source must be configured")
	}

	names := make(map[string]bool, len(c.DataSources))
	for i := range c.DataSources {
		ds := &c.DataSources[i]
		if ds.Name == "" {
			return fmt.Errorf("data_sources[%d].name is required", i)
		}
		if names[ds.Name] {
			return fmt.Errorf("data_sources[%d].name %q is duplicated", i, ds.Name)
		}
		names[ds.Name] = true

		switch ds.Driver {
		case datasource.DriverSQLServer, datasource.DriverMySQL, datasource.DriverPostgres:
			if ds.RawDSN == "" && ds.Host == "" {
				return fmt.Errorf("data_sources[%d].host is required", i)
			}
		case datasource.DriverSQLite:
			if ds.RawDSN == "" && ds.Path == "" {
				return fmt.Errorf("data_sources[%d].path is required", i)
			}
		case "":
			return fmt.Errorf("data_sources[%d].driver is required", i)
		default:
			return fmt.Errorf("data_sources[%d].driver %q is not supported", i, ds.Driver)
		}

		if err := ds.Validate(); err != nil {
			return fmt.Errorf("data_sources[%d]: %w", i, err)
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
// explicit holds the keys written for each data source.
func (c *Config) applyDefaults(explicit []map[string]interface{}) {
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.InstanceID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = uuid.NewString()
		}
		c.Server.InstanceID = hostname
	}

	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.PublishInterval == 0 {
		c.Redis.PublishInterval = 10 * time.Second
	}
	if c.Redis.StatsTTL == 0 {
		c.Redis.StatsTTL = 3 * c.Redis.PublishInterval
	}

	for i := range c.DataSources {
		ds := &c.DataSources[i]
		unset := func(key string) bool {
			if i >= len(explicit) {
				return true
			}
			_, ok := explicit[i][key]
			return !ok
		}

		if ds.MaxQueueWait == 0 && unset("max_queue_wait") {
			ds.MaxQueueWait = DefaultMaxQueueWait
		}
		if ds.MaintenanceInterval == 0 {
			ds.MaintenanceInterval = DefaultMaintenanceInterval
		}
		if ds.ConnectTimeout == 0 && unset("connect_timeout") {
			ds.ConnectTimeout = DefaultConnectTimeout
		}
		if ds.ValidationQuery == "" && unset("validation_query") {
			ds.ValidationQuery = DefaultValidationQuery
		}
	}
}

// DataSourceByName returns the data source with the given name.
func (c *Config) DataSourceByName(name string) (*datasource.DataSource, bool) {
	for i := range c.DataSources {
		if c.DataSources[i].Name == name {
			return &c.DataSources[i], true
		}
	}
	return nil, false
}
