package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailflow/internal/telemetry"
)

// RateLimiter is a sliding-window counter in a Redis sorted set, shared by
// every process using the same key.
type RateLimiter struct {
	client *redis.Client
	key    string
	limit  int
	window time.Duration
}

// NewRateLimiter allows limit events per window for key.
func NewRateLimiter(client *redis.Client, key string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, key: "ratelimit:" + key, limit: limit, window: window}
}

func (r *RateLimiter) Limit() int { return r.limit }

// Allow records an event and reports whether it fits in the window. A
// rejected event is removed again so waiting callers do not starve.
func (r *RateLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, r.key, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, r.key, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, r.key)
	pipe.Expire(ctx, r.key, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", r.key, err)
	}

	if countCmd.Val() <= int64(r.limit) {
		return true, nil
	}
	if err := r.client.ZRem(ctx, r.key, member).Err(); err != nil {
		return false, fmt.Errorf("rate limiter release for %q: %w", r.key, err)
	}
	return false, nil
}

// Wait blocks until Allow succeeds or ctx ends. It satisfies mail.Limiter.
func (r *RateLimiter) Wait(ctx context.Context) error {
	pause := r.window / time.Duration(r.limit+1)
	if pause <= 0 {
		pause = 10 * time.Millisecond
	}
	for {
		ok, err := r.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		telemetry.MailRateLimited.Inc()
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
