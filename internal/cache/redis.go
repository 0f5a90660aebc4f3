// Package cache wraps github.com/redis/go-redis/v9 for the HTTP layer's
// distributed collaborators: the front-door rate limiter and the
// idempotency replay cache. Neither backs the in-process core; both
// exist only so a multi-replica HTTP front end can mirror the
// single-process engine's admission decisions across replicas.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client with a connect-then-ping lifecycle.
type Client struct {
	*redis.Client
}

// New dials url, validates the connection with a bounded ping, and
// returns a ready Client.
func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}

	return &Client{Client: client}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.Client.Close()
}
