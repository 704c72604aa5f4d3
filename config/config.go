// Package config loads the example binary's configuration from
// environment variables through internal/env's reflection-based loader,
// and translates the loaded values into the Config structs each wired
// package (client, manager, pool, queue/postgres, telemetry) already
// expects.
package config

import (
	"fmt"
	"time"

	"github.com/rezkam/workflowpool/client"
	"github.com/rezkam/workflowpool/internal/env"
	"github.com/rezkam/workflowpool/manager"
	"github.com/rezkam/workflowpool/pool"
	"github.com/rezkam/workflowpool/queue/postgres"
	"github.com/rezkam/workflowpool/telemetry"
)

// ClientConfig describes one ComfyUI-compatible remote server to connect
// to. The example binary loads exactly one; a process managing several
// servers registers additional client.Config values programmatically
// rather than through the environment.
type ClientConfig struct {
	ID     string `env:"WORKFLOWPOOL_CLIENT_ID"`
	Host   string `env:"WORKFLOWPOOL_CLIENT_HOST"`
	Secure bool   `env:"WORKFLOWPOOL_CLIENT_SECURE"`

	HTTPTimeout  time.Duration `env:"WORKFLOWPOOL_CLIENT_HTTP_TIMEOUT"`
	PingInterval time.Duration `env:"WORKFLOWPOOL_CLIENT_PING_INTERVAL"`
	PingTimeout  time.Duration `env:"WORKFLOWPOOL_CLIENT_PING_TIMEOUT"`
}

// Validate is invoked automatically by env.Load once ClientConfig has been
// populated.
func (c ClientConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("config: WORKFLOWPOOL_CLIENT_ID is required")
	}
	if c.Host == "" {
		return fmt.Errorf("config: WORKFLOWPOOL_CLIENT_HOST is required")
	}
	return nil
}

func (c ClientConfig) sessionConfig() client.Config {
	return client.Config{
		Host:                  c.Host,
		Secure:                c.Secure,
		AutoReconnect:         true,
		ReconnectInitialDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:     30 * time.Second,
		PingInterval:          c.PingInterval,
		PingTimeout:           c.PingTimeout,
		HTTPTimeout:           c.HTTPTimeout,
	}
}

// PostgresConfig holds the queue/postgres adapter's connection settings.
// DSN left empty means "use the in-memory adapter instead"; PoolConfig's
// PersistentQueueConfig reports that choice back to the caller.
type PostgresConfig struct {
	DSN             string        `env:"WORKFLOWPOOL_POSTGRES_DSN"`
	MaxOpenConns    int           `env:"WORKFLOWPOOL_POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"WORKFLOWPOOL_POSTGRES_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"WORKFLOWPOOL_POSTGRES_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `env:"WORKFLOWPOOL_POSTGRES_CONN_MAX_IDLE_TIME"`
}

func (c PostgresConfig) adapterConfig() postgres.Config {
	return postgres.Config{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
	}
}

// TelemetryConfig selects whether tracing/metrics/logging ship to an OTLP
// collector or stay local.
type TelemetryConfig struct {
	ServiceName    string `env:"WORKFLOWPOOL_SERVICE_NAME"`
	ServiceVersion string `env:"WORKFLOWPOOL_SERVICE_VERSION"`
	Enabled        bool   `env:"WORKFLOWPOOL_TELEMETRY_ENABLED"`
}

func (c TelemetryConfig) providerConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Enabled:        c.Enabled,
	}
}

// PoolConfig is the example binary's top-level configuration: one
// scheduler fronting one client, with an optional persistent queue and
// optional OTLP export.
type PoolConfig struct {
	PeekLimit           int           `env:"WORKFLOWPOOL_PEEK_LIMIT"`
	HealthCheckInterval time.Duration `env:"WORKFLOWPOOL_HEALTH_CHECK_INTERVAL"`
	DefaultMaxAttempts  int           `env:"WORKFLOWPOOL_DEFAULT_MAX_ATTEMPTS"`
	DefaultRetryDelay   time.Duration `env:"WORKFLOWPOOL_DEFAULT_RETRY_DELAY"`

	Client    ClientConfig
	Postgres  PostgresConfig
	Telemetry TelemetryConfig
}

// Load populates a PoolConfig from the environment and validates every
// nested struct that implements env.Validator.
func Load() (PoolConfig, error) {
	var cfg PoolConfig
	if err := env.Load(&cfg); err != nil {
		return PoolConfig{}, fmt.Errorf("config: load: %w", err)
	}
	return cfg, nil
}

// ClientSessionConfig builds the client.Config for the configured server.
func (c PoolConfig) ClientSessionConfig() client.Config {
	return c.Client.sessionConfig()
}

// ManagerConfig builds the manager.Config for the pool's client manager.
func (c PoolConfig) ManagerConfig() manager.Config {
	return manager.Config{HealthCheckInterval: c.HealthCheckInterval}
}

// SchedulerConfig builds the pool.Config for the scheduler itself.
func (c PoolConfig) SchedulerConfig() pool.Config {
	return pool.Config{PeekLimit: c.PeekLimit}
}

// TelemetryProviderConfig builds the telemetry.Config for telemetry.Start.
func (c PoolConfig) TelemetryProviderConfig() telemetry.Config {
	return c.Telemetry.providerConfig()
}

// PersistentQueueConfig reports the queue/postgres.Config to use, and
// whether one was configured at all (DSN non-empty). When ok is false the
// caller should fall back to queue.NewMemory.
func (c PoolConfig) PersistentQueueConfig() (cfg postgres.Config, ok bool) {
	if c.Postgres.DSN == "" {
		return postgres.Config{}, false
	}
	return c.Postgres.adapterConfig(), true
}
