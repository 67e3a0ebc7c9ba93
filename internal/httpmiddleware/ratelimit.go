// Package httpmiddleware holds gin middleware shared by the API routes.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// TokenBucket is an in-memory per-key rate limiter. The public projector
// endpoint is unauthenticated, so it is keyed by client IP plus session uuid.
type TokenBucket struct {
	capacity int
	rate     float64
	now      func() time.Time
	mu       sync.Mutex
	state    map[string]*bucket
	sweepAt  time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket creates a limiter with capacity tokens refilled at
// perMinute tokens per minute. A capacity <= 0 defaults to perMinute.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TokenBucket{
		capacity: capacity,
		rate:     float64(perMinute) / 60,
		now:      time.Now,
		state:    make(map[string]*bucket),
	}
}

// KeyFunc derives the bucket key of a request.
type KeyFunc func(c *gin.Context) string

// ByIP keys requests by client IP.
func ByIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// ByIPAndParam keys requests by client IP and a path parameter.
func ByIPAndParam(name string) KeyFunc {
	return func(c *gin.Context) string {
		return ByIP(c) + "|" + c.Param(name)
	}
}

// GinMiddleware returns a gin handler enforcing the limit per key.
func (l *TokenBucket) GinMiddleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByIP
	}
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// Allow takes one token from key's bucket.
func (l *TokenBucket) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)

	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: float64(l.capacity) - 1, last: now}
		return l.capacity > 0
	}
	b.tokens += now.Sub(b.last).Seconds() * l.rate
	if b.tokens > float64(l.capacity) {
		b.tokens = float64(l.capacity)
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets that have been full long enough to be indistinguishable
// from new ones.
func (l *TokenBucket) sweep(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	l.sweepAt = now.Add(time.Minute)
	for k, b := range l.state {
		if l.rate > 0 && b.tokens+now.Sub(b.last).Seconds()*l.rate >= float64(l.capacity) {
			delete(l.state, k)
		}
	}
}
