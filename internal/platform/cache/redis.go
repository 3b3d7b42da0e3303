package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis client shared by ticket storage and jobs.
type Options struct {
	Addr     string
	DB       int
	PoolSize int
}

// New creates a Redis client and verifies the server answers.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("platform/cache: address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	if err := Healthy(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

// Healthy pings the server with a five second deadline.
func Healthy(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return fmt.Errorf("platform/cache: client not initialised")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("platform/cache: ping: %w", err)
	}
	return nil
}
