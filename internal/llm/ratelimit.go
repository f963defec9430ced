package llm

import (
	"context"
	"fmt"
	"time"

	"llm-field-tools/internal/common/database"
	"llm-field-tools/internal/common/logger"
)

// RateLimiter is a fixed-window request limiter shared by every replica
// through Redis. Keys are per provider.
type RateLimiter struct {
	redis  *database.RedisClient
	limit  int64
	window time.Duration
	prefix string
	logger logger.Logger
	now    func() time.Time
}

func NewRateLimiter(redis *database.RedisClient, limit int, window time.Duration, prefix string, log logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &RateLimiter{
		redis:  redis,
		limit:  int64(limit),
		window: window,
		prefix: prefix,
		logger: log,
		now:    time.Now,
	}
}

// Allow takes one slot in the current window for key. When the window is full
// it returns false and the time until the next window opens.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	start := now.Truncate(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, start.UnixMilli())

	n, err := l.redis.IncrWindow(ctx, redisKey, l.window)
	if err != nil {
		return false, 0, err
	}
	if n > l.limit {
		return false, start.Add(l.window).Sub(now), nil
	}
	return true, 0, nil
}

// Wait blocks until a slot is available for key or ctx ends. Redis failures
// let the call through; the provider's own limits still apply.
func (l *RateLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, retryAfter, err := l.Allow(ctx, key)
		if err != nil {
			l.logger.Warn("Rate limiter unavailable, allowing request", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return nil
		}
		if ok {
			return nil
		}

		l.logger.Debug("Rate limit window full, waiting", map[string]interface{}{
			"key":         key,
			"retry_after": retryAfter.String(),
		})
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
