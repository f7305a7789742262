package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements a simple token bucket rate limiter per IP
type RateLimiter struct {
	requests     map[string]*bucket
	mu           sync.Mutex
	rate         int           // requests per window
	window       time.Duration // time window
	maxCacheSize int           // maximum number of IPs to track
	now          func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter allowing rate requests per
// window from each client IP. Call Stop to end the cleanup goroutine.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:     make(map[string]*bucket),
		rate:         rate,
		window:       window,
		maxCacheSize: 10000,
		now:          time.Now,
		stop:         make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a request from the given IP should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	b, exists := rl.requests[ip]
	if !exists {
		if len(rl.requests) >= rl.maxCacheSize {
			rl.evictOldest(now)
		}
		rl.requests[ip] = &bucket{
			tokens:     rl.rate - 1,
			lastRefill: now,
		}
		return true
	}

	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate - 1
		b.lastRefill = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// evictOldest drops stale entries, then 10% of the rest if still full.
func (rl *RateLimiter) evictOldest(now time.Time) {
	rl.dropStale(now)

	if len(rl.requests) >= rl.maxCacheSize {
		toRemove := len(rl.requests) / 10
		removed := 0
		for ip := range rl.requests {
			delete(rl.requests, ip)
			removed++
			if removed >= toRemove {
				break
			}
		}
	}
}

func (rl *RateLimiter) dropStale(now time.Time) {
	for ip, b := range rl.requests {
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.requests, ip)
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(getClientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

// Stop ends the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// getClientIP uses RemoteAddr only. X-Forwarded-For is client controlled.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			rl.dropStale(rl.now())
			rl.mu.Unlock()
		}
	}
}
