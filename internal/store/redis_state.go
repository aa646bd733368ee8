package store

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// RedisState keeps app state in one Redis hash so several processes on the
// same host share the recording flags.
type RedisState struct {
	client *redis.Client
	key    string
}

func NewRedisState(client *redis.Client, prefix string) *RedisState {
	return &RedisState{client: client, key: prefix + "app_state"}
}

func (r *RedisState) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis HGET %s %s: %w", r.key, key, err)
	}
	return val, true, nil
}

func (r *RedisState) Set(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %s %s: %w", r.key, key, err)
	}
	return nil
}
