package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitPruneThreshold is the number of tracked clients above which
// idle entries are dropped to prevent unbounded growth.
const rateLimitPruneThreshold = 1000

// clientLimiter is a per-client token bucket. Each client may burst up to
// maxRequests and refills at maxRequests per window.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	entries map[string]*limBucket
	now     func() time.Time
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(maxRequests int, window time.Duration) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:   maxRequests,
		idle:    window,
		entries: make(map[string]*limBucket),
		now:     time.Now,
	}
}

// reserve takes a token for key. When none is available it returns how
// long the client must wait, and consumes nothing.
func (l *clientLimiter) reserve(key string) (time.Duration, bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > rateLimitPruneThreshold {
		for k, b := range l.entries {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.entries, k)
			}
		}
	}

	b := l.entries[key]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = b
	}

	b.lastSeen = now

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return 0, false
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, false
	}

	return 0, true
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// RateLimit rejects clients that exceed their budget with 429, a
// Retry-After header and {error, retryAfter}.
func RateLimit(maxRequests int, window time.Duration, trustProxy bool) func(http.Handler) http.Handler {
	return rateLimit(newClientLimiter(maxRequests, window), trustProxy)
}

func rateLimit(limiter *clientLimiter, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wait, ok := limiter.reserve(clientIP(r, trustProxy))
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      "Too many requests",
				"retryAfter": retryAfter,
			})
		})
	}
}

// clientIP returns the first X-Forwarded-For hop when trustProxy is set,
// otherwise the connection's remote address.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
