package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit configures the token bucket applied to every client.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
}

// RateLimiter is a per-client token bucket limiter, trimmed from
// gateway/middleware/ratelimit.go's per-route-key variant to the single
// bucket this API needs.
type RateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

// NewRateLimiter constructs a RateLimiter. A zero-value limit disables
// limiting entirely.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &RateLimiter{limit: limit, visitors: make(map[string]*rate.Limiter)}
}

// Middleware enforces the configured limit per client IP / API key.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.limit.RatePerSecond <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		limiter := r.obtain(clientID(req))
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtain(id string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.visitors[id]
	if ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(r.limit.RatePerSecond), r.limit.Burst)
	r.visitors[id] = limiter
	go r.cleanup(id)
	return limiter
}

func (r *RateLimiter) cleanup(id string) {
	timer := time.NewTimer(5 * time.Minute)
	<-timer.C
	r.mu.Lock()
	delete(r.visitors, id)
	r.mu.Unlock()
}

func clientID(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		return "api-key:" + apiKey
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
