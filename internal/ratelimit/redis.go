package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisLimiter counts requests in fixed minute and hour windows shared across
// service replicas. Keys carry the window start so they expire on their own.
type redisLimiter struct {
	client    *redis.Client
	perMinute int
	perHour   int
	keyPrefix string
	now       func() time.Time
}

func newRedisLimiter(cfg Config) (Limiter, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("%w: redis driver requires an address", ErrInvalidConfig)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &redisLimiter{
		client:    client,
		perMinute: cfg.PerMinute,
		perHour:   cfg.PerHour,
		keyPrefix: cfg.KeyPrefix,
		now:       time.Now,
	}, nil
}

func (l *redisLimiter) Allow(ctx context.Context, tenant string) (Decision, error) {
	now := l.now().UTC()

	minuteKey := fmt.Sprintf("%s:%s:m:%d", l.keyPrefix, tenant, now.Unix()/60)
	hourKey := fmt.Sprintf("%s:%s:h:%d", l.keyPrefix, tenant, now.Unix()/3600)

	pipe := l.client.TxPipeline()
	minuteCount := pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, 2*time.Minute)
	hourCount := pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis check for %s: %w", tenant, err)
	}

	if minuteCount.Val() > int64(l.perMinute) {
		return Decision{RetryAfter: untilNextWindow(now, time.Minute)}, nil
	}
	if hourCount.Val() > int64(l.perHour) {
		return Decision{RetryAfter: untilNextWindow(now, time.Hour)}, nil
	}
	return Decision{Allowed: true}, nil
}

func untilNextWindow(now time.Time, window time.Duration) time.Duration {
	d := now.Truncate(window).Add(window).Sub(now)
	if d <= 0 {
		d = time.Second
	}
	return d
}
