package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a ReputationCache for multi-instance deployments. Every
// operation carries its own short timeout so a slow Redis degrades to the
// caller's fail-open path instead of eating the request budget.
type RedisCache struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisCache connects to Redis. opTimeout bounds each cache call.
func NewRedisCache(addr, password string, db int, opTimeout time.Duration) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &RedisCache{client: client, opTimeout: opTimeout}
}

func (r *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisCache) Count(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// go-redis reports missing keys as -2 and keys without expiry as -1.
	if d == time.Duration(-2) {
		return 0, false, nil
	}
	if d == time.Duration(-1) {
		return 0, true, nil
	}
	return d, true, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.client.Del(ctx, key).Err()
}

// Close releases the underlying connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
