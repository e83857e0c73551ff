// Package ratelimit provides per-payer sliding-window rate limiting.
//
// The limiter is independent of payment state: a caller with a verified
// payment can still be rejected when it floods the gateway. Windows are
// process-local; two gateway instances do not share them.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures the limiter.
type Config struct {
	// MaxRequests is the number of requests allowed per key per window.
	MaxRequests int
	// Window is the sliding window length.
	Window time.Duration
	// CleanupInterval is how often idle keys are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests:     100,
		Window:          time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Limiter tracks request timestamps per identity key. Each window is pruned
// to the configured length on every check (sliding-window log).
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	windows map[string][]time.Time
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

// New creates a limiter and starts its idle-key cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultConfig().MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		windows: make(map[string][]time.Time),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// Allow records a request for key if it fits in the window. When denied, the
// returned duration is how long the caller should wait before retrying.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	window := l.prune(key, now)

	if len(window) >= l.cfg.MaxRequests {
		// Oldest entry leaving the window frees a slot.
		retryAfter := l.cfg.Window - now.Sub(window[0])
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.windows[key] = window
		return false, retryAfter
	}

	l.windows[key] = append(window, now)
	return true, 0
}

// Remaining returns how many requests key has left in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.prune(key, l.now())
	l.windows[key] = window
	if n := l.cfg.MaxRequests - len(window); n > 0 {
		return n
	}
	return 0
}

// prune drops timestamps older than the window. Caller must hold l.mu.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	window := l.windows[key]
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}

// cleanup removes idle keys periodically.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key := range l.windows {
				if len(l.prune(key, now)) == 0 {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Middleware returns a gin middleware that rate limits by client IP. The
// access resolver consults the limiter directly by payer identity; this
// middleware is the coarse outer guard for unauthenticated traffic.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := l.Allow("ip:" + c.ClientIP())
		if !allowed {
			secs := int(retryAfter.Seconds() + 1)
			c.Header("Retry-After", time.Now().Add(retryAfter).UTC().Format(http.TimeFormat))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limit_exceeded",
				"retryAfter": secs,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
