package redis

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"grading-orchestrator/internal/config"
)

// Client wraps the go-redis client shared by the cache, queue, lock, limiter
// and progress bus.
type Client struct {
	cli *redis.Client
}

// NewClient accepts either a redis:// URL or a host:port address.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	var opts *redis.Options
	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		o, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: cfg.URL, DB: cfg.DB}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &Client{cli: c}, nil
}

// Wrap adopts an existing client, e.g. one pointed at miniredis in tests.
func Wrap(cli *redis.Client) *Client { return &Client{cli: cli} }

func (c *Client) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.cli.Incr(ctx, key).Result()
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.cli.Expire(ctx, key, expiration).Err()
}

func (c *Client) Close() error { return c.cli.Close() }
