package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

// ErrCacheMiss is returned when a key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the key/value surface pipelines depend on.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ReplaceList(ctx context.Context, key string, values []string) error
	ListRange(ctx context.Context, key string) ([]string, error)
}

// Config is the connection used for cursors, tokens, locks and the stage job stream
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Client is the Cache backed by a live Redis
type Client struct {
	rdb    *redis.Client
	logger ectologger.Logger
}

// NewClient connects and pings, failing fast when Redis is unreachable
func NewClient(ctx context.Context, cfg Config, logger ectologger.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Infof("Connected to Redis at %s db=%d", addr, cfg.DB)
	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get retrieves a value by key, returning ErrCacheMiss when absent
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "Redis.Get")
	defer span.End()

	value, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return value, err
}

// Set sets a value with optional expiration
func (c *Client) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "Redis.Set")
	defer span.End()

	return c.rdb.Set(ctx, key, value, expiration).Err()
}

// Del deletes one or more keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// TTL is negative when key has no expiry or does not exist
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

// ReplaceList deletes key and pushes values in order
func (c *Client) ReplaceList(ctx context.Context, key string, values []string) error {
	ctx, span := tracing.StartSpan(ctx, "Redis.ReplaceList")
	defer span.End()

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		pipe.RPush(ctx, key, args...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ListRange returns the whole list stored at key
func (c *Client) ListRange(ctx context.Context, key string) ([]string, error) {
	return c.rdb.LRange(ctx, key, 0, -1).Result()
}

// GetJSON decodes a JSON value stored at key into dest
func GetJSON(ctx context.Context, cache Cache, key string, dest any) error {
	raw, err := cache.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("failed to decode cached value %s: %w", key, err)
	}
	return nil
}

// SetJSON stores value as JSON
func SetJSON(ctx context.Context, cache Cache, key string, value any, expiration time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cached value %s: %w", key, err)
	}
	return cache.Set(ctx, key, string(raw), expiration)
}
