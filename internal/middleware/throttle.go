package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/chat_layer/internal/logging"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a coarse per-client token bucket in front of the API. The
// per-action sliding windows live in the ratelimit package.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	logger   *logging.Logger
	now      func() time.Time
}

// NewThrottle creates a throttle admitting requestsPerSecond with burst.
func NewThrottle(requestsPerSecond float64, burst int, logger *logging.Logger) *Throttle {
	return &Throttle{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
		now:      time.Now,
	}
}

func (t *Throttle) limiterFor(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	cl, ok := t.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.limiters[key] = cl
	}
	cl.lastSeen = t.now()
	return cl.limiter
}

// Handler returns the throttling middleware handler. Clients are keyed by
// remote IP; the owner header is caller supplied and never picks a bucket.
func (t *Throttle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)

		if !t.limiterFor(key).Allow() {
			// Owner is logged for triage only.
			t.logger.LogSecurityEvent(r.Context(), "throttled", map[string]interface{}{
				"key":    key,
				"owner":  logging.GetUserID(r.Context()),
				"path":   r.URL.Path,
				"method": r.Method,
			})
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter(t.rate)))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "error": "Too many requests"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops limiters idle for longer than idle.
func (t *Throttle) Cleanup(idle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-idle)
	for key, cl := range t.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(t.limiters, key)
		}
	}
}

// Len returns the number of tracked clients.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (t *Throttle) StartCleanup(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup(idle)
			}
		}
	}()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfter(limit rate.Limit) int {
	if limit <= 0 {
		return 1
	}
	secs := int(1 / float64(limit))
	if secs < 1 {
		secs = 1
	}
	return secs
}
