// Package redis implements the domain lock, rate-limit and signal-bus
// interfaces on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// KeyPrefix namespaces every key, channel and stream, so several
	// deployments can share one Redis. Empty means no prefix.
	KeyPrefix string
}

// Client wraps a go-redis Client.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New connects and pings Redis.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb, prefix: normalizePrefix(cfg.KeyPrefix)}, nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client, prefix string) *Client {
	return &Client{rdb: rdb, prefix: normalizePrefix(prefix)}
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if p != "" && !strings.HasSuffix(p, ":") {
		p += ":"
	}
	return p
}

// Key returns k in the client's namespace.
func (c *Client) Key(k string) string {
	return c.prefix + k
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
