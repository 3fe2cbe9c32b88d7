package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notification-hub/internal/handler"
)

type RateLimiterConfig struct {
	Rate  rate.Limit
	Burst int
	// Idle is how long a client's limiter is kept after its last request.
	Idle time.Duration
}

// RateLimiter keeps one token bucket per client, keyed by user when the
// request is authenticated and by IP otherwise.
type RateLimiter struct {
	config   RateLimiterConfig
	limiters *cache.Cache
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Idle <= 0 {
		config.Idle = 10 * time.Minute
	}
	return &RateLimiter{
		config:   config,
		limiters: cache.New(config.Idle, 2*config.Idle),
	}
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiter(clientKey(c)).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, handler.NewErrorResponse("rate limit exceeded"))
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if v, ok := rl.limiters.Get(key); ok {
		l := v.(*rate.Limiter)
		rl.limiters.SetDefault(key, l)
		return l
	}
	l := rate.NewLimiter(rl.config.Rate, rl.config.Burst)
	// a concurrent first request may win; either limiter is acceptable
	if err := rl.limiters.Add(key, l, cache.DefaultExpiration); err != nil {
		if v, ok := rl.limiters.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return l
}

func clientKey(c *gin.Context) string {
	if identity := IdentityFrom(c); identity != nil {
		return "user:" + identity.UserID.String()
	}
	return "ip:" + c.ClientIP()
}
