package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// memoryLimiter keeps two token buckets per tenant, one per window. Suitable
// for a single replica only; deployments with more than one ingest instance
// use the redis driver.
type memoryLimiter struct {
	perMinute int
	perHour   int

	mu      sync.Mutex
	tenants map[string]*tenantBuckets
}

type tenantBuckets struct {
	minute *rate.Limiter
	hour   *rate.Limiter
}

func newMemoryLimiter(cfg Config) Limiter {
	return &memoryLimiter{
		perMinute: cfg.PerMinute,
		perHour:   cfg.PerHour,
		tenants:   make(map[string]*tenantBuckets),
	}
}

func (l *memoryLimiter) Allow(_ context.Context, tenant string) (Decision, error) {
	l.mu.Lock()
	b, ok := l.tenants[tenant]
	if !ok {
		b = &tenantBuckets{
			minute: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
			hour:   rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.perHour)), l.perHour),
		}
		l.tenants[tenant] = b
	}
	l.mu.Unlock()

	minuteRes := b.minute.Reserve()
	if delay := minuteRes.Delay(); delay > 0 {
		minuteRes.Cancel()
		return Decision{RetryAfter: delay}, nil
	}
	hourRes := b.hour.Reserve()
	if delay := hourRes.Delay(); delay > 0 {
		hourRes.Cancel()
		minuteRes.Cancel()
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}
