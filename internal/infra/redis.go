package infra

import (
	"context"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient configures a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// EmbeddedRedis is an in-process Redis used in development when no
// REDIS_URL is configured. Its contents do not survive a restart.
type EmbeddedRedis struct {
	server *miniredis.Miniredis
	Client *redis.Client
}

// NewEmbeddedRedis starts an in-process Redis on a random local port.
func NewEmbeddedRedis() (*EmbeddedRedis, error) {
	srv, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start embedded redis: %w", err)
	}
	return &EmbeddedRedis{server: srv, Client: redis.NewClient(&redis.Options{Addr: srv.Addr()})}, nil
}

// Close stops the client and the server.
func (e *EmbeddedRedis) Close() {
	_ = e.Client.Close()
	e.server.Close()
}
