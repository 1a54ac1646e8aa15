package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*client
	limit        rate.Limit
	burst        int
	maxCacheSize int
	idleTTL      time.Duration
	lastCleanup  time.Time
	now          func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests per IP with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients:      make(map[string]*client),
		limit:        rate.Limit(perSecond),
		burst:        burst,
		maxCacheSize: 10000,
		idleTTL:      10 * time.Minute,
		now:          time.Now,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if rl.lastCleanup.IsZero() {
		rl.lastCleanup = now
	}
	if now.Sub(rl.lastCleanup) > rl.idleTTL {
		rl.evictIdle(now)
		rl.lastCleanup = now
	}

	c, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= rl.maxCacheSize {
			rl.evictOldest(now)
		}
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idleTTL {
			delete(rl.clients, ip)
		}
	}
}

// evictOldest drops idle clients, then a tenth of the table if it is still
// full.
func (rl *RateLimiter) evictOldest(now time.Time) {
	rl.evictIdle(now)
	if len(rl.clients) < rl.maxCacheSize {
		return
	}
	toRemove := len(rl.clients) / 10
	for ip := range rl.clients {
		if toRemove <= 0 {
			break
		}
		delete(rl.clients, ip)
		toRemove--
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses the TCP peer address only. X-Forwarded-For can be spoofed
// to dodge the limiter.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
