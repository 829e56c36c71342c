package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow shares fixed-window counters between instances through Redis.
type RedisWindow struct {
	client    redis.UniversalClient
	namespace string
	limit     int
	window    time.Duration
	now       func() time.Time
}

func NewRedisWindow(client redis.UniversalClient, class Class, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		client:    client,
		namespace: "ratelimit:" + string(class),
		limit:     limit,
		window:    window,
		now:       time.Now,
	}
}

func (w *RedisWindow) Allow(ctx context.Context, identifier string) (Decision, error) {
	key := w.namespace + ":" + identifier

	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment throttle counter: %w", err)
	}
	cnt, ttl := incr.Val(), pttl.Val()

	// A new key, or one left without a TTL by a lost EXPIRE, starts its window now.
	if ttl < 0 {
		if err := w.client.Expire(ctx, key, w.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("failed to set throttle window: %w", err)
		}
		ttl = w.window
	}

	d := Decision{
		Allowed: cnt <= int64(w.limit),
		Limit:   w.limit,
		ResetAt: w.now().Add(ttl),
	}
	if d.Allowed {
		d.Remaining = w.limit - int(cnt)
	}
	return d, nil
}
