package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dochmccrum/sanity/internal/config"
	"github.com/dochmccrum/sanity/internal/errors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter holds rate limiting configuration and per-client state
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	config   config.RateLimitConfig
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		config:   cfg,
	}
}

// getLimiter gets or creates a rate limiter for a client
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter := rate.NewLimiter(
		rate.Limit(rl.config.RequestsPerMinute)/60,
		rl.config.Burst,
	)
	rl.limiters[key] = limiter
	return limiter
}

// RateLimit middleware applies rate limiting per IP address
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	rl := NewRateLimiter(cfg)

	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())

		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.Header("X-Rate-Limit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
			c.Header("X-Rate-Limit-Remaining", "0")
			c.JSON(http.StatusTooManyRequests,
				errors.NewAPIError("RATE_LIMIT_EXCEEDED", "Rate limit exceeded. Please try again later."))
			c.Abort()
			return
		}

		c.Header("X-Rate-Limit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
		c.Header("X-Rate-Limit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
		c.Next()
	}
}
