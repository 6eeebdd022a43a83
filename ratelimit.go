package secgw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles forwarded requests per caller. Authenticated
// callers are keyed by their certificate CN, anonymous callers by client IP.
// Each key gets an independent token bucket.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateClient

	// Rate is the number of requests permitted per second per caller.
	Rate rate.Limit

	// Burst is the maximum number of requests a caller can make in a
	// single burst before being throttled.
	Burst int

	// CleanupInterval controls how often idle callers are forgotten.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	Metrics *Metrics

	done chan struct{}
}

type rateClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-caller rate limiter. rps is requests per
// second, burst the bucket size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients:         make(map[string]*rateClient),
		Rate:            rate.Limit(rps),
		Burst:           burst,
		CleanupInterval: time.Minute,
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from key is permitted now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		c = &rateClient{limiter: rate.NewLimiter(rl.Rate, rl.Burst)}
		rl.clients[key] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// Middleware answers throttled requests with 429 and the JSON envelope.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rateKey(r)) {
			if rl.Metrics != nil {
				rl.Metrics.RecordRateLimited()
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, MsgRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	select {
	case <-rl.done:
	default:
		close(rl.done)
	}
}

// ClientCount returns the number of tracked callers.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func rateKey(r *http.Request) string {
	if id := IdentityFromContext(r.Context()); id.Authenticated {
		return "cn:" + id.CommonName
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (rl *RateLimiter) cleanup() {
	interval := rl.CleanupInterval
	if interval == 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			stale := now.Add(-2 * interval)
			for key, c := range rl.clients {
				if c.lastSeen.Before(stale) {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
