package opstate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClaimer claims keys with SET NX, letting several DietBot
// instances share one idempotency window.
type RedisClaimer struct {
	client *redis.Client
	prefix string
}

// NewRedisClaimer connects to Redis and verifies the connection.
func NewRedisClaimer(ctx context.Context, addr, password string, db int) (*RedisClaimer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return &RedisClaimer{client: client, prefix: "dietbot:"}, nil
}

// NewRedisClaimerFromClient wraps an existing client.
func NewRedisClaimerFromClient(client *redis.Client) *RedisClaimer {
	return &RedisClaimer{client: client, prefix: "dietbot:"}
}

// Claim sets namespace/key if it is absent. A zero ttl never expires.
func (r *RedisClaimer) Claim(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+namespace+":"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", namespace, key, err)
	}
	return ok, nil
}

// Close closes the Redis connection.
func (r *RedisClaimer) Close() error {
	return r.client.Close()
}
