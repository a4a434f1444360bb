// Package ratelimit provides per-client rate limiting middleware for the
// escrow API.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/farmlink/escrow/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client. Zero disables limiting.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// IdleTTL is how long an idle client's bucket is kept
	IdleTTL time.Duration
}

// DefaultConfig returns one request per second with bursts of 10.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		IdleTTL:           2 * time.Minute,
	}
}

// Limiter is a token bucket per client key.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a limiter. Idle buckets are swept lazily on Allow, so there is
// no background goroutine to stop.
func New(cfg Config) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow takes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	if l.cfg.RequestsPerMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), seen: now}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += now.Sub(b.seen).Seconds() * perSecond
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.swept) < l.cfg.IdleTTL {
		return
	}
	l.swept = now
	cutoff := now.Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
