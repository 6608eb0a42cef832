package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"actnexus/internal/platform/redis"
)

const (
	defaultPrefix = "actnexus:settings:"
	scanBatch     = 100
)

// Redis shares cached settings between replicas.
type Redis struct {
	toggle
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: defaultPrefix, ttl: ttl}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if !r.Enabled() {
		return nil, false, nil
	}
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached setting: %w", err)
	}
	return json.RawMessage(b), true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value json.RawMessage) error {
	if !r.Enabled() {
		return nil
	}
	if err := r.client.Set(ctx, r.key(key), []byte(value), r.ttl).Err(); err != nil {
		return fmt.Errorf("cache setting: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("invalidate cached setting: %w", err)
	}
	return nil
}

// Clear deletes every key under the cache prefix.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("clear settings cache: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan settings cache: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("clear settings cache: %w", err)
		}
	}
	return nil
}
