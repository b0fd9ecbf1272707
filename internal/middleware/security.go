package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxBodyBytes caps request bodies. Detector decisions and admin commands
// are small JSON documents.
const MaxBodyBytes = 1 << 20

// SecurityHeadersMiddleware sets response headers for a JSON-only API.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// Admin answers carry user state and must not be cached by proxies
		if strings.HasPrefix(r.URL.Path, "/admin") {
			h.Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

type visitor struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a fixed-window request counter keyed by client IP.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
	cleanup  time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter allows rate requests per window for each key and starts a
// goroutine that forgets idle keys. Call Stop to end it.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		cleanup:  2 * window,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the cleanup goroutine and waits for it to exit. It is safe to
// call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		if rl.stop == nil {
			return
		}
		close(rl.stop)
		<-rl.done
	})
}

// Allow reports whether key may make another request in the current window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[key]
	if !ok || now.Sub(v.windowStart) >= rl.window {
		rl.visitors[key] = &visitor{count: 1, windowStart: now}
		return true
	}
	if v.count >= rl.rate {
		return false
	}
	v.count++
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	defer close(rl.done)
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.prune()
		}
	}
}

func (rl *RateLimiter) prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.windowStart) > rl.cleanup {
			delete(rl.visitors, key)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// RateLimitConfig picks a limiter per route family.
type RateLimitConfig struct {
	// DecisionLimiter covers /v1/ and /legacy/, the machine-to-machine traffic.
	DecisionLimiter *RateLimiter
	// AdminLimiter covers /admin/.
	AdminLimiter  *RateLimiter
	GlobalLimiter *RateLimiter
}

// NewDefaultRateLimitConfig returns limits sized for a single detector fleet
// and a handful of operators.
func NewDefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		DecisionLimiter: NewRateLimiter(6000, time.Minute),
		AdminLimiter:    NewRateLimiter(60, time.Minute),
		GlobalLimiter:   NewRateLimiter(120, time.Minute),
	}
}

// Stop stops every limiter's cleanup goroutine.
func (c *RateLimitConfig) Stop() {
	for _, l := range []*RateLimiter{c.DecisionLimiter, c.AdminLimiter, c.GlobalLimiter} {
		if l != nil {
			l.Stop()
		}
	}
}

func (c *RateLimitConfig) limiterFor(path string) *RateLimiter {
	switch {
	case strings.HasPrefix(path, "/v1/"), strings.HasPrefix(path, "/legacy/"):
		return c.DecisionLimiter
	case strings.HasPrefix(path, "/admin"):
		return c.AdminLimiter
	}
	return c.GlobalLimiter
}

// RateLimitMiddleware rejects clients over their route family's limit with 429.
func RateLimitMiddleware(config *RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := config.limiterFor(r.URL.Path)
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			ip := GetClientIP(r)
			if !limiter.Allow(ip) {
				log.Warn().
					Str("client_ip", ip).
					Str("path", r.URL.Path).
					Msg("Rate limit exceeded")
				w.Header().Set("Retry-After", "60")
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitBodyMiddleware caps request bodies at MaxBodyBytes.
func LimitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
