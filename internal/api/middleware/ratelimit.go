package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Idle limiters are evicted so the per-IP map cannot grow without bound.
const (
	limiterIdleTTL = 10 * time.Minute
	sweepInterval  = 5 * time.Minute
)

// IPRateLimiter enforces a per-client-IP token bucket across one route group.
type IPRateLimiter struct {
	perSec rate.Limit
	burst  int
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*ipLimiter
	stop     chan struct{}
	stopOnce sync.Once
}

type ipLimiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a limiter allowing perSec requests per second with
// the given burst for each client IP, and starts its eviction sweeper.
func NewIPRateLimiter(perSec, burst int, logger *slog.Logger) *IPRateLimiter {
	rl := &IPRateLimiter{
		perSec:   rate.Limit(perSec),
		burst:    burst,
		logger:   logger,
		limiters: make(map[string]*ipLimiter),
		stop:     make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from ip fits within its budget.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	l := rl.limiters[ip]
	if l == nil {
		l = &ipLimiter{bucket: rate.NewLimiter(rl.perSec, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	rl.mu.Unlock()

	return l.bucket.Allow()
}

// Stop ends the eviction sweeper. Safe to call more than once.
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *IPRateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(time.Now().Add(-limiterIdleTTL))
		case <-rl.stop:
			return
		}
	}
}

// sweep drops limiters for IPs not seen since the cutoff.
func (rl *IPRateLimiter) sweep(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for ip, l := range rl.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("evicted idle rate limiters", "evicted", evicted, "remaining", len(rl.limiters))
	}
}

// RateLimit returns middleware that rejects requests beyond the per-IP budget
// with 429 and a Retry-After hint.
func RateLimit(rl *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.Allow(ip) {
				rl.logger.Warn("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware runs
// earlier in the stack and rewrites RemoteAddr behind a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
