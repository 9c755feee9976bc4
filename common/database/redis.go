package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, applies per-command timeouts and verifies
// the connection with a PING bounded by connectTimeout.
func NewRedisClient(redisURL string, commandTimeout, connectTimeout time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if commandTimeout > 0 {
		opt.ReadTimeout = commandTimeout
		opt.WriteTimeout = commandTimeout
	}

	client := redis.NewClient(opt)

	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}
