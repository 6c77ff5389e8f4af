// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package config loads orchestrator configuration from YAML files and
// SAGAFLOW_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/civicledger/sagaflow/pkg/logger"
	"github.com/civicledger/sagaflow/pkg/saga"
	"github.com/civicledger/sagaflow/pkg/saga/idempotency"
	"github.com/civicledger/sagaflow/pkg/saga/lock"
	"github.com/civicledger/sagaflow/pkg/saga/state"
)

// Backend names accepted by the storage, lock, and idempotency
// sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// RedisSettings is the shared shape of a Redis connection section.
type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// PostgresSettings is the shared shape of a Postgres connection
// section.
type PostgresSettings struct {
	DSN          string `mapstructure:"dsn"`
	TableName    string `mapstructure:"table_name"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// StateConfig selects and configures the instance store backend.
type StateConfig struct {
	Backend  string           `mapstructure:"backend"`
	Redis    RedisSettings    `mapstructure:"redis"`
	Postgres PostgresSettings `mapstructure:"postgres"`
}

// LockConfig selects and configures the lock manager backend.
type LockConfig struct {
	Backend      string        `mapstructure:"backend"`
	Redis        RedisSettings `mapstructure:"redis"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// IdempotencyConfig selects and configures the idempotency registry
// backend.
type IdempotencyConfig struct {
	Backend  string           `mapstructure:"backend"`
	Postgres PostgresSettings `mapstructure:"postgres"`
}

// LoggingConfig controls the process-wide structured logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RecoveryConfig holds the recovery service schedule.
type RecoveryConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// Config is the full orchestrator configuration.
type Config struct {
	State       StateConfig          `mapstructure:"state"`
	Lock        LockConfig           `mapstructure:"lock"`
	Idempotency IdempotencyConfig    `mapstructure:"idempotency"`
	Recovery    RecoveryConfig       `mapstructure:"recovery"`
	Logging     LoggingConfig        `mapstructure:"logging"`
	Policy      saga.ExecutionPolicy `mapstructure:"policy"`
}

// Load reads the named config file. Environment variables with the
// SAGAFLOW_ prefix override file values, with underscores standing in
// for section dots (SAGAFLOW_STATE_BACKEND=postgres).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SAGAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Policy.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state.backend", BackendMemory)
	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("idempotency.backend", BackendMemory)
	v.SetDefault("recovery.check_interval", 30*time.Second)
	v.SetDefault("recovery.max_concurrent", 4)
	v.SetDefault("recovery.stale_after", 60*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Connection keys must be registered for AutomaticEnv to see them
	// during Unmarshal; viper only maps env vars onto known keys.
	v.SetDefault("state.redis.addr", "")
	v.SetDefault("state.redis.password", "")
	v.SetDefault("state.postgres.dsn", "")
	v.SetDefault("lock.redis.addr", "")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("idempotency.postgres.dsn", "")
}

// Validate checks backend names and their required settings.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.State.Redis.Addr == "" {
			return fmt.Errorf("config: state.redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.State.Postgres.DSN == "" {
			return fmt.Errorf("config: state.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown state backend %q", c.State.Backend)
	}

	switch c.Lock.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("config: lock.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown lock backend %q", c.Lock.Backend)
	}

	switch c.Idempotency.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Idempotency.Postgres.DSN == "" {
			return fmt.Errorf("config: idempotency.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown idempotency backend %q", c.Idempotency.Backend)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("config: policy: %w", err)
	}
	return nil
}

// BuildLogger initializes and returns the global logger configured by
// the logging section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	if err := logger.InitLoggerWithOptions(logger.Options{
		Level:       c.Logging.Level,
		Development: c.Logging.Development,
	}); err != nil {
		return nil, err
	}
	return logger.GetLogger(), nil
}

// BuildStore constructs the configured instance store.
func (c *Config) BuildStore() (state.Store, error) {
	switch c.State.Backend {
	case BackendMemory:
		return state.NewMemoryStore(), nil
	case BackendRedis:
		return state.NewRedisStore(&state.RedisConfig{
			Addr:     c.State.Redis.Addr,
			Password: c.State.Redis.Password,
			DB:       c.State.Redis.DB,
			PoolSize: c.State.Redis.PoolSize,
		})
	case BackendPostgres:
		return state.NewPostgresStore(&state.PostgresConfig{
			DSN:          c.State.Postgres.DSN,
			TableName:    c.State.Postgres.TableName,
			MaxOpenConns: c.State.Postgres.MaxOpenConns,
			AutoMigrate:  c.State.Postgres.AutoMigrate,
		})
	}
	return nil, fmt.Errorf("config: unknown state backend %q", c.State.Backend)
}

// BuildLockManager constructs the configured lock manager.
func (c *Config) BuildLockManager() (lock.Manager, error) {
	switch c.Lock.Backend {
	case BackendMemory:
		return lock.NewMemoryManager(), nil
	case BackendRedis:
		return lock.NewRedisManager(&lock.RedisConfig{
			Addr:         c.Lock.Redis.Addr,
			Password:     c.Lock.Redis.Password,
			DB:           c.Lock.Redis.DB,
			PoolSize:     c.Lock.Redis.PoolSize,
			PollInterval: c.Lock.PollInterval,
		})
	}
	return nil, fmt.Errorf("config: unknown lock backend %q", c.Lock.Backend)
}

// BuildIdempotencyRegistry constructs the configured idempotency
// registry.
func (c *Config) BuildIdempotencyRegistry() (idempotency.Registry, error) {
	switch c.Idempotency.Backend {
	case BackendMemory:
		return idempotency.NewMemoryRegistry(), nil
	case BackendPostgres:
		return idempotency.NewPostgresRegistry(&idempotency.PostgresConfig{
			DSN:          c.Idempotency.Postgres.DSN,
			TableName:    c.Idempotency.Postgres.TableName,
			MaxOpenConns: c.Idempotency.Postgres.MaxOpenConns,
			AutoMigrate:  c.Idempotency.Postgres.AutoMigrate,
		})
	}
	return nil, fmt.Errorf("config: unknown idempotency backend %q", c.Idempotency.Backend)
}
