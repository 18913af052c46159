package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// RateLimiter throttles the admin and checkout surfaces per client IP with a
// sliding window. Check traffic never goes through it.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string][]time.Time
	limit      int
	window     time.Duration
	trustProxy bool
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		buckets: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
	}
}

// TrustProxyHeaders makes the limiter key on X-Forwarded-For. Only safe behind
// a proxy that overwrites the header; otherwise any client can mint fresh
// buckets at will.
func (rl *RateLimiter) TrustProxyHeaders() *RateLimiter {
	rl.trustProxy = true
	return rl
}

// Allow records an attempt for key and reports whether it is under the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)
	rl.pruneLocked(cutoff)

	recent := rl.buckets[key]
	if len(recent) >= rl.limit {
		return false
	}
	rl.buckets[key] = append(recent, now)
	return true
}

// pruneLocked drops lapsed attempts and any bucket left empty, so one-off
// clients do not accumulate forever.
func (rl *RateLimiter) pruneLocked(cutoff time.Time) {
	for key, attempts := range rl.buckets {
		kept := attempts[:0]
		for _, t := range attempts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(rl.buckets, key)
			continue
		}
		rl.buckets[key] = kept
	}
}

// Middleware rejects over-limit requests with a JSON 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.requestKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestKey is the peer address, or the first X-Forwarded-For hop when proxy
// headers are trusted.
func (rl *RateLimiter) requestKey(r *http.Request) string {
	if rl.trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				return strings.TrimSpace(xff[:i])
			}
			return xff
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
