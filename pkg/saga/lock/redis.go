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

package lock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release and renew are fenced on the lease token so a stale holder
// cannot touch a lease it lost.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisConfig configures the Redis-backed lease manager.
type RedisConfig struct {
	// Addr is the Redis server address in host:port form.
	Addr string `yaml:"addr" json:"addr"`
	// Password is the optional Redis password.
	Password string `yaml:"password" json:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db" json:"db"`
	// KeyPrefix namespaces lease keys. Defaults to "saga:lock:".
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	// PollInterval is the base delay between acquire attempts while a
	// resource is held by someone else. The actual delay is jittered
	// between 0.5x and 1.5x of this value. Defaults to 100ms.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// PoolSize is the connection pool size. Defaults to 10.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
	// DialTimeout is the connection timeout. Defaults to 5s.
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// Validate checks the configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis lock config: addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis lock config: db must not be negative")
	}
	return nil
}

// ApplyDefaults fills zero-valued optional fields.
func (c *RedisConfig) ApplyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "saga:lock:"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
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

// RedisManager implements Manager on a single Redis instance using
// SET NX PX leases. Acquisition polls with jitter; expiry is enforced
// by Redis key TTLs, so a crashed holder's lease disappears on its own.
type RedisManager struct {
	client    *redis.Client
	keyPrefix string
	poll      time.Duration
}

// NewRedisManager creates a Redis-backed lease manager.
func NewRedisManager(cfg *RedisConfig) (*RedisManager, error) {
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
	return &RedisManager{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		poll:      cfg.PollInterval,
	}, nil
}

// NewRedisManagerWithClient wraps an existing client, for tests.
func NewRedisManagerWithClient(client *redis.Client, keyPrefix string, poll time.Duration) *RedisManager {
	if keyPrefix == "" {
		keyPrefix = "saga:lock:"
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &RedisManager{client: client, keyPrefix: keyPrefix, poll: poll}
}

func (m *RedisManager) key(resourceID string) string {
	return m.keyPrefix + resourceID
}

// Acquire implements Manager.
func (m *RedisManager) Acquire(ctx context.Context, resourceID, holderID string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()
	for {
		now := time.Now()
		ok, err := m.client.SetNX(ctx, m.key(resourceID), token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock: acquire %s: %w", resourceID, err)
		}
		if ok {
			return &Lease{
				ResourceID: resourceID,
				HolderID:   holderID,
				Token:      token,
				AcquiredAt: now,
				ExpiresAt:  now.Add(ttl),
			}, nil
		}

		delay := m.poll/2 + time.Duration(rand.Int63n(int64(m.poll)))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if err := ctx.Err(); err == context.DeadlineExceeded {
				return nil, ErrAcquireTimeout
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Renew implements Manager.
func (m *RedisManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, m.client, []string{m.key(lease.ResourceID)},
		lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis lock: renew %s: %w", lease.ResourceID, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}

// Release implements Manager.
func (m *RedisManager) Release(ctx context.Context, lease *Lease) error {
	res, err := releaseScript.Run(ctx, m.client, []string{m.key(lease.ResourceID)},
		lease.Token).Int()
	if err != nil {
		return fmt.Errorf("redis lock: release %s: %w", lease.ResourceID, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// ForceRelease implements Manager.
func (m *RedisManager) ForceRelease(ctx context.Context, resourceID string) error {
	if err := m.client.Del(ctx, m.key(resourceID)).Err(); err != nil {
		return fmt.Errorf("redis lock: force release %s: %w", resourceID, err)
	}
	return nil
}

// Close implements Manager.
func (m *RedisManager) Close() error {
	return m.client.Close()
}
