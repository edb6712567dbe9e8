// Package ratelimit enforces per-tenant upload quotas: a short burst window
// and a sustained hourly window. Both must pass for a request to proceed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Defaults applied when a limit is zero.
const (
	DefaultPerMinute = 10
	DefaultPerHour   = 100
)

var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// Decision is the outcome of one quota check. RetryAfter is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter answers whether a tenant may submit one more upload right now.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (Decision, error)
}

// Config configures a limiter.
type Config struct {
	Driver    string
	PerMinute int
	PerHour   int

	// Redis fields.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = DefaultPerMinute
	}
	if c.PerHour <= 0 {
		c.PerHour = DefaultPerHour
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "churn:rl"
	}
	return c
}

// New creates a limiter for the configured driver.
func New(cfg Config) (Limiter, error) {
	cfg = cfg.withDefaults()
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverRedis, "":
		return newRedisLimiter(cfg)
	case DriverMemory:
		return newMemoryLimiter(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}
