package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// KeyedLimiter stores a token bucket per key (client IP, endpoint id).
// Buckets idle for longer than the expiry are dropped.
type KeyedLimiter struct {
	limiters *cache.Cache
	mu       sync.Mutex
	r        rate.Limit
	b        int
	idle     time.Duration
}

// NewKeyedLimiter creates a limiter allowing r events per second with
// bursts of b for every key.
func NewKeyedLimiter(r rate.Limit, b int, idle time.Duration) *KeyedLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &KeyedLimiter{
		limiters: cache.New(idle, 2*idle),
		r:        r,
		b:        b,
		idle:     idle,
	}
}

// GetLimiter returns the bucket for key, creating it on first use.
func (k *KeyedLimiter) GetLimiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	if v, found := k.limiters.Get(key); found {
		limiter := v.(*rate.Limiter)
		k.limiters.Set(key, limiter, k.idle)
		return limiter
	}
	limiter := rate.NewLimiter(k.r, k.b)
	k.limiters.Set(key, limiter, k.idle)
	return limiter
}

// Allow reports whether one more event for key fits the bucket.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.GetLimiter(key).Allow()
}

// RateLimiter is a middleware for IP-based rate limiting.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	limiter := NewKeyedLimiter(r, b, 0)
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
