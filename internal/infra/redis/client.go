package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix     = "taskpilot"
	defaultFailureTTL = 24 * time.Hour
)

// Client wraps the Redis connection shared by the repositories.
type Client struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	fttl   time.Duration
}

// Config holds Redis connection configuration.
type Config struct {
	URL        string        `yaml:"url"`
	Password   string        `yaml:"password"`
	Prefix     string        `yaml:"prefix"`
	TTL        time.Duration `yaml:"ttl"`         // execution records, 0 = keep forever
	FailureTTL time.Duration `yaml:"failure_ttl"` // failure lists, default 24h
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg), nil
}

func newClient(rdb *redis.Client, cfg Config) *Client {
	c := &Client{rdb: rdb, prefix: cfg.Prefix, ttl: cfg.TTL, fttl: cfg.FailureTTL}
	if c.prefix == "" {
		c.prefix = defaultPrefix
	}
	if c.fttl == 0 {
		c.fttl = defaultFailureTTL
	}
	return c
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) indexKey() string {
	return fmt.Sprintf("%s:executions", c.prefix)
}

func (c *Client) executionKey(taskID string) string {
	return fmt.Sprintf("%s:execution:%s", c.prefix, taskID)
}

func (c *Client) failuresKey(taskID string) string {
	return fmt.Sprintf("%s:failures:%s", c.prefix, taskID)
}
