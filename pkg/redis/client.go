// Package redis is a thin wrapper around github.com/redis/go-redis/v9,
// trimmed to the handful of operations pkg/progress's Redis reporter
// actually needs: a pipelined hash-write-plus-publish so a supervisory
// process can either poll the last-known value or subscribe to the live
// stream of updates.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client with a single pipelined write+publish
// operation.
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New creates a new Redis client and verifies connectivity with a Ping.
func New(addr string, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &Client{
		client: client,
		ctx:    ctx,
	}, nil
}

// WriteAndPublishString writes a string value to a hash field and
// publishes the same update to a channel named after key, in one
// pipelined round trip.
func (c *Client) WriteAndPublishString(key, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}
