package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"chatrelay/internal/pkg/errors"
	"chatrelay/internal/platform/config"
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

// RateLimiter bounds the ingestion path per tenant with token buckets.
// Idle buckets are reaped so a long tail of departed tenants does not
// leak memory.
type RateLimiter struct {
	store sync.Map // map[key]*limiterEntry
	cfg   config.RateLimitConfig
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{cfg: cfg}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		rl.store.Range(func(key, value interface{}) bool {
			entry := value.(*limiterEntry)
			entry.mu.Lock()
			if now.Sub(entry.lastAccess) > 10*time.Minute {
				rl.store.Delete(key)
			}
			entry.mu.Unlock()
			return true
		})
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	val, _ := rl.store.LoadOrStore(key, &limiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(rl.cfg.EventsPerSecond), rl.cfg.Burst),
		lastAccess: time.Now(),
	})

	entry := val.(*limiterEntry)
	entry.mu.Lock()
	entry.lastAccess = time.Now()
	entry.mu.Unlock()
	return entry.limiter.Allow()
}

// Handle keys the bucket on the tenant header when present, falling
// back to the remote address for unidentified callers.
func (rl *RateLimiter) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Relay-Tenant")
		if key == "" {
			key = r.RemoteAddr
		}

		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "1")
			errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimited, "Rate limit exceeded", nil)
			return
		}
		next(w, r)
	}
}
