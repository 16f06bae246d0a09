// Copyright 2025 UHDSlave
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"uhdslave/platform/shared/logger"
)

// Config holds store connection settings.
type Config struct {
	Host     string
	Port     int
	DB       int
	Password string

	// Operation deadline applied by callers; connection-level timeouts
	// below are derived from it.
	OpTimeout time.Duration
}

// ConfigFromEnv reads REDIS_HOST / REDIS_PORT / REDIS_DB / REDIS_PASSWORD
// with the documented defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:      "127.0.0.1",
		Port:      6379,
		DB:        0,
		Password:  os.Getenv("REDIS_PASSWORD"),
		OpTimeout: time.Second,
	}
	if h := os.Getenv("REDIS_HOST"); h != "" {
		cfg.Host = h
	}
	if p := os.Getenv("REDIS_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			cfg.Port = n
		}
	}
	if d := os.Getenv("REDIS_DB"); d != "" {
		if n, err := strconv.Atoi(d); err == nil {
			cfg.DB = n
		}
	}
	return cfg
}

// Client wraps the Redis connection pool with the typed operations the
// gateway needs. All key strings come from the builders in keys.go;
// callers never synthesize keys themselves.
type Client struct {
	rdb *redis.Client
	log *logger.Logger
}

// New creates a store client and verifies connectivity. AUTH and SELECT are
// handled by the driver per fresh connection; pooled connections skip both.
// A failed ping on first connect is a bootstrap failure for the caller.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		PoolSize:     100,
		MinIdleConns: 10,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to store at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	c := &Client{rdb: rdb, log: logger.New("store")}
	c.log.Info("store connected", map[string]interface{}{
		"addr": fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		"db":   cfg.DB,
	})
	return c, nil
}

// NewFromRedis wraps an existing client. Used by tests with miniredis.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, log: logger.New("store")}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the connection is healthy.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get returns the value of key, or ("", false, nil) when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetEX writes key with a TTL.
func (c *Client) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// GetJSON unmarshals the value of key into dest. Returns false when absent.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	val, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, fmt.Errorf("malformed record at %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and writes it with a TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// GetInt returns an integer value, or (0, false, nil) when absent.
func (c *Client) GetInt(ctx context.Context, key string) (int64, bool, error) {
	val, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return 0, found, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("non-integer value at %s: %w", key, err)
	}
	return n, true, nil
}

// IncrByWithTTL increments key by delta and refreshes its TTL in one
// pipelined batch. The returned value is the post-increment counter.
func (c *Client) IncrByWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// DecrBy decrements key by delta. Missing keys are created at -delta by the
// store; callers that set the mirror TTL on such a key bound how long the
// stray key can live.
func (c *Client) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.rdb.DecrBy(ctx, key, delta).Result()
}

// Expire refreshes the TTL of key. Returns false when the key is absent.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

// ScanPattern walks the keyspace with SCAN and returns up to limit keys
// matching pattern. limit <= 0 means no cap.
func (c *Client) ScanPattern(ctx context.Context, pattern string, limit int) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 || (limit > 0 && len(keys) >= limit) {
			break
		}
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// CountPattern counts keys matching pattern via SCAN.
func (c *Client) CountPattern(ctx context.Context, pattern string) (int, error) {
	keys, err := c.ScanPattern(ctx, pattern, 0)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// GetInts reads many integer keys in one pipelined batch. The result maps
// each key to its value; absent keys map to nil. A torn read (some keys
// present, some not) is expected and handled by callers.
func (c *Client) GetInts(ctx context.Context, keys []string) (map[string]*int64, error) {
	out := make(map[string]*int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, k := range keys {
		val, err := cmds[i].Result()
		if err == redis.Nil {
			out[k] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		n, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			// Non-integer garbage is treated as absent rather than
			// failing the whole batch.
			c.log.Warn("non-integer counter value", map[string]interface{}{"key": k})
			out[k] = nil
			continue
		}
		out[k] = &n
	}
	return out, nil
}

// SetEXBatch writes many key/value pairs with one shared TTL in one pipeline.
func (c *Client) SetEXBatch(ctx context.Context, entries map[string]string, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, k, v, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
