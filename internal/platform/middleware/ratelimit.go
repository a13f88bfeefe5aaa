package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/bloodbank/internal/platform/auth"
)

type RateLimitConfig struct {
	// RequestsPerMinute per principal (or remote IP when unauthenticated).
	RequestsPerMinute int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 600}
}

// Limiter counts requests in fixed one-minute windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, retryAfter time.Duration, err error)
}

// RedisLimiter shares windows across replicas with INCR + EXPIRE.
type RedisLimiter struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewRedisLimiter(rdb redis.Cmdable) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	now := l.now()
	window := now.Truncate(time.Minute)
	k := fmt.Sprintf("ratelimit:%s:%d", key, window.Unix())

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, err
	}
	if incr.Val() > int64(limit) {
		return false, window.Add(time.Minute).Sub(now), nil
	}
	return true, 0, nil
}

// MemoryLimiter is the single-replica fallback.
type MemoryLimiter struct {
	mu     sync.Mutex
	window time.Time
	counts map[string]int
	now    func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counts: make(map[string]int), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	window := now.Truncate(time.Minute)
	if !window.Equal(l.window) {
		l.window = window
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	if l.counts[key] > limit {
		return false, window.Add(time.Minute).Sub(now), nil
	}
	return true, 0, nil
}

// RateLimit fails open when the limiter backend errors.
func RateLimit(cfg RateLimitConfig, limiter Limiter, logger zerolog.Logger) echo.MiddlewareFunc {
	limit := cfg.RequestsPerMinute
	if limit <= 0 {
		limit = DefaultRateLimitConfig().RequestsPerMinute
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := auth.UserIDFromContext(c.Request().Context())
			if key == "" {
				key = "ip:" + c.RealIP()
			}
			if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
				key = tenantID + ":" + key
			}

			ok, retry, err := limiter.Allow(c.Request().Context(), key, limit)
			if err != nil {
				logger.Warn().Err(err).Msg("rate limiter unavailable")
				return next(c)
			}
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			if !ok {
				secs := int(retry.Seconds()) + 1
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
