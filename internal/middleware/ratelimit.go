package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client address with a token bucket. Idle clients are forgotten after
// the idle window.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	limit rate.Limit
	burst int
	idle  time.Duration

	now func() time.Time
}

// NewRateLimiter creates a RateLimiter allowing perSecond requests per client with the given burst.
// The cleanup of idle clients runs until ctx is done.
func NewRateLimiter(ctx context.Context, perSecond float64, burst int, idle time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}

	go func() {
		ticker := time.NewTicker(idle)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()

	return rl
}

// Allow reports whether a request from addr may proceed now.
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[addr] = v
	}
	v.lastSeen = rl.now()
	return v.limiter.Allow()
}

// Middleware rejects requests over the limit with 429 Too Many Requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for addr, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, addr)
		}
	}
}

// clientAddr strips the port so that connections from the same host share a bucket.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
