package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/crisisline/backend/internal/crisiserr"
)

const (
	// DefaultRateLimit is the default number of requests allowed per window
	DefaultRateLimit = 5

	// DefaultRateLimitWindow is the default time window for rate limiting
	DefaultRateLimitWindow = time.Minute
)

// RateLimiter handles rate limiting using Redis
type RateLimiter struct {
	client    *redis.Client
	limit     int
	window    time.Duration
	keyPrefix string
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *redis.Client, limit int, window time.Duration, keyPrefix string) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if keyPrefix == "" {
		keyPrefix = "rate_limit"
	}

	return &RateLimiter{
		client:    client,
		limit:     limit,
		window:    window,
		keyPrefix: keyPrefix,
	}
}

// Allow checks if the request should be allowed based on rate limiting
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	fullKey := fmt.Sprintf("%s:%s", rl.keyPrefix, key)

	pipe := rl.client.Pipeline()
	incrCmd := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, rl.window)
	ttlCmd := pipe.TTL(ctx, fullKey)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, 0, err
	}

	count := int(incrCmd.Val())
	ttl := ttlCmd.Val()

	remaining := rl.limit - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= rl.limit, remaining, ttl, nil
}

// Reset resets the rate limit counter for a key
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	fullKey := fmt.Sprintf("%s:%s", rl.keyPrefix, key)
	return rl.client.Del(ctx, fullKey).Err()
}

// perIPRateLimit builds a gin.HandlerFunc that limits requests per client
// IP under the given keyPrefix, failing open if the broker is unreachable.
func perIPRateLimit(redisClient *redis.Client, limit int, window time.Duration, keyPrefix, errMessage string) gin.HandlerFunc {
	limiter := NewRateLimiter(redisClient, limit, window, keyPrefix)

	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		allowed, remaining, retryAfter, err := limiter.Allow(c.Request.Context(), clientIP)
		if err != nil {
			c.Set("rate_limit_error", err.Error())
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(retryAfter).Unix()))

		if !allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"kind":        crisiserr.KindRateLimited,
				"error":       errMessage,
				"retry_after": int(retryAfter.Seconds()),
			})
			return
		}

		c.Next()
	}
}

// GlobalRateLimit enforces the per-IP request ceiling applied to every route.
func GlobalRateLimit(redisClient *redis.Client, limitPerMinute int) gin.HandlerFunc {
	return perIPRateLimit(redisClient, limitPerMinute, time.Minute, "global_rate_limit", "too many requests")
}

// SOSIntakeRateLimit enforces the tighter per-IP ceiling on the SOS intake
// route, where a single abusive client could flood the triage queue.
func SOSIntakeRateLimit(redisClient *redis.Client, limitPerMinute int) gin.HandlerFunc {
	return perIPRateLimit(redisClient, limitPerMinute, time.Minute, "sos_rate_limit", "too many SOS reports, please slow down")
}

// ResetRateLimit resets a named rate limit bucket for an IP.
func ResetRateLimit(redisClient *redis.Client, keyPrefix string, limit int, clientIP string) error {
	limiter := NewRateLimiter(redisClient, limit, DefaultRateLimitWindow, keyPrefix)
	return limiter.Reset(context.Background(), clientIP)
}
