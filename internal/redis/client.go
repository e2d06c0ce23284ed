// Package redis provides the shared Redis client factory. Adapters use the
// aliases defined here instead of importing go-redis directly.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cmdable is the command surface adapters depend on.
type Cmdable = redis.Cmdable

// Pipeliner is the MULTI/EXEC pipeline handed to TxPipelined callbacks.
type Pipeliner = redis.Pipeliner

// Script is a Lua script run by EVALSHA with an EVAL fallback.
type Script = redis.Script

// NewScript wraps Lua source in a Script.
var NewScript = redis.NewScript

// Config holds the parameters needed to connect to a Redis instance.
type Config struct {
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a go-redis client. RDB satisfies Cmdable.
type Client struct {
	RDB *redis.Client
}

// NewClient creates a new Redis client configured from cfg.
func NewClient(cfg Config) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{RDB: rdb}
}

// Ping checks connectivity; setup calls it so a misconfigured address fails
// at startup rather than on the first request.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.RDB.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.RDB.Close()
}
