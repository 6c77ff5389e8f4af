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

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civicledger/sagaflow/pkg/saga"
)

// RedisConfig configures the Redis-backed instance store.
type RedisConfig struct {
	// Addr is the Redis server address in host:port form.
	Addr string `yaml:"addr" json:"addr"`
	// Password is the optional Redis password.
	Password string `yaml:"password" json:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db" json:"db"`
	// KeyPrefix namespaces instance keys. Defaults to "saga:instance:".
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	// ActiveSetKey is the set of non-terminal instance IDs. Defaults
	// to "saga:active".
	ActiveSetKey string `yaml:"active_set_key" json:"active_set_key"`
	// PoolSize is the connection pool size. Defaults to 10.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
	// DialTimeout is the connection timeout. Defaults to 5s.
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// Validate checks the configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis state config: addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis state config: db must not be negative")
	}
	return nil
}

// ApplyDefaults fills zero-valued optional fields.
func (c *RedisConfig) ApplyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "saga:instance:"
	}
	if c.ActiveSetKey == "" {
		c.ActiveSetKey = "saga:active"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// DefaultRedisConfig returns a configuration for a local Redis server.
func DefaultRedisConfig() *RedisConfig {
	cfg := &RedisConfig{Addr: "localhost:6379"}
	cfg.ApplyDefaults()
	return cfg
}

// RedisStore keeps each instance as a JSON value and maintains a set
// of non-terminal instance IDs so recovery scans do not walk the whole
// keyspace. Save writes the value and the set membership in one
// pipeline.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	activeSet string
}

// NewRedisStore creates a Redis-backed instance store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})
	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		activeSet: cfg.ActiveSetKey,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client, for tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix, activeSet string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "saga:instance:"
	}
	if activeSet == "" {
		activeSet = "saga:active"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, activeSet: activeSet}
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + id
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return saga.NewValidationError("state: instance requires an ID")
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return saga.NewStorageError("save", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(inst.ID), data, 0)
	if inst.Status.IsTerminal() {
		pipe.SRem(ctx, s.activeSet, inst.ID)
	} else {
		pipe.SAdd(ctx, s.activeSet, inst.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return saga.NewStorageError("save", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, id string) (*Instance, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, saga.NewStorageError("load", err)
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, saga.NewStorageError("load", err)
	}
	return &inst, nil
}

// ListNonTerminal implements Store.
func (s *RedisStore) ListNonTerminal(ctx context.Context) ([]*Instance, error) {
	ids, err := s.client.SMembers(ctx, s.activeSet).Result()
	if err != nil {
		return nil, saga.NewStorageError("list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, saga.NewStorageError("list", err)
	}

	out := make([]*Instance, 0, len(values))
	for i, v := range values {
		if v == nil {
			// Set member without a value, left behind by a partial
			// delete. Drop it from the set and move on.
			s.client.SRem(ctx, s.activeSet, ids[i])
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var inst Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			return nil, saga.NewStorageError("list", err)
		}
		if !inst.Status.IsTerminal() {
			out = append(out, &inst)
		}
	}
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
