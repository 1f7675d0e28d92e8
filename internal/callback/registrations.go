package callback

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "daas:callbacks:"

// Registrations keeps the deferred callback targets of each sample.
type Registrations interface {
	Add(ctx context.Context, key, target string) error
	// Take returns and removes every target registered for key.
	Take(ctx context.Context, key string) ([]string, error)
}

// RedisRegistrations stores the targets as a Redis set per key.
type RedisRegistrations struct {
	client *redis.Client
}

func NewRedisRegistrations(client *redis.Client) *RedisRegistrations {
	return &RedisRegistrations{client: client}
}

func (r *RedisRegistrations) Add(ctx context.Context, key, target string) error {
	if err := r.client.SAdd(ctx, keyPrefix+key, target).Err(); err != nil {
		return fmt.Errorf("registering callback for %s: %w", key, err)
	}
	return nil
}

func (r *RedisRegistrations) Take(ctx context.Context, key string) ([]string, error) {
	var members *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, keyPrefix+key)
		pipe.Del(ctx, keyPrefix+key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("taking callbacks of %s: %w", key, err)
	}
	return members.Val(), nil
}
