package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"roomchat/pkg/logger"
)

// Connect opens a client from a redis:// URL and checks it with PING.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}

	logger.Info("Connection opened to Redis at %s", opts.Addr)
	return client, nil
}
