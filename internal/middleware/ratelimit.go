// Package middleware provides protective HTTP middleware shared by the API
// server: per-IP rate limiting and Idempotency-Key request deduplication.
package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// trackedIPCap bounds the visitor map so an address-rotating client cannot
// grow it without limit. Requests beyond the cap are rejected outright.
const trackedIPCap = 100_000

// visitor is one IP's token bucket.
type visitor struct {
	tokens   float64
	refilled time.Time // last refill computation
	seen     time.Time // last request, drives idle eviction
}

// take refills the bucket for the elapsed time and tries to consume one
// token. On failure it reports how many seconds until a token is available.
func (v *visitor) take(now time.Time, rate float64, burst int) (ok bool, wait float64) {
	v.tokens = math.Min(float64(burst), v.tokens+now.Sub(v.refilled).Seconds()*rate)
	v.refilled = now
	v.seen = now

	if v.tokens < 1 {
		return false, (1 - v.tokens) / rate
	}
	v.tokens--
	return true, 0
}

// RateLimiter applies a per-IP token bucket. Generation requests are
// expensive, so sustained rates are kept low and short bursts absorbed.
type RateLimiter struct {
	rate  float64 // tokens per second
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter creates a limiter with the given sustained rate (requests
// per second) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:     rate,
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

// Handler returns middleware enforcing the per-IP limit. It must run before
// any middleware that rewrites RemoteAddr from proxy headers, otherwise
// clients can rotate identities.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, wait := rl.admit(clientIP(r))

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// admit charges one token to the given IP's bucket, creating it on first
// contact. A fresh bucket holds a full burst minus the token this request
// consumes.
func (rl *RateLimiter) admit(ip string) (allowed bool, remaining int, wait float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v := rl.visitors[ip]
	if v == nil {
		if len(rl.visitors) >= trackedIPCap {
			return false, 0, 1 / rl.rate
		}
		v = &visitor{tokens: float64(rl.burst) - 1, refilled: now, seen: now}
		rl.visitors[ip] = v
		return true, int(v.tokens), 0
	}

	ok, wait := v.take(now, rl.rate, rl.burst)
	if !ok {
		return false, 0, wait
	}
	return true, int(v.tokens), 0
}

// StartCleanup evicts buckets idle longer than maxIdle on the given
// interval. The returned function stops the cleanup goroutine.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictIdle(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) evictIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for ip, v := range rl.visitors {
		if v.seen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

// Len reports the number of tracked IP buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// clientIP derives the bucket key from RemoteAddr alone. Proxy headers are
// deliberately ignored here: X-Forwarded-For is client-controlled and would
// let a caller mint fresh buckets at will.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
