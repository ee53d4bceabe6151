// Package ratelimit implements sliding-window admission control keyed by
// (bucket, subject), with an in-memory backend and shared remote backends
// behind one contract.
package ratelimit

import (
	"context"
	"time"

	"github.com/R3E-Network/chat_layer/internal/clock"
	"github.com/R3E-Network/chat_layer/internal/logging"
	"github.com/R3E-Network/chat_layer/internal/metrics"
)

// Request identifies one guarded action.
type Request struct {
	Bucket  string
	Subject string
	Limit   int
	Window  time.Duration
}

// Result is the decision for one touch.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetAt is the earliest moment a slot frees.
	ResetAt time.Time
}

// Backend performs one atomic prune, count and conditional record.
type Backend interface {
	Touch(ctx context.Context, req Request) (Result, error)
	Name() string
}

// Limiter prefers a remote backend and falls back to memory when the remote
// call cannot be completed. Touch never fails.
type Limiter struct {
	remote Backend
	memory *MemoryStore
	logger *logging.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRemote sets the preferred backend.
func WithRemote(b Backend) Option {
	return func(l *Limiter) { l.remote = b }
}

// WithLogger sets the logger used for fallbacks and denials.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter over memory. A nil memory store gets a fresh one on
// the real clock.
func New(memory *MemoryStore, opts ...Option) *Limiter {
	if memory == nil {
		memory = NewMemoryStore(clock.Real{})
	}
	l := &Limiter{memory: memory, logger: logging.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Touch records an attempt of bucket by subject and reports whether it is
// admitted.
func (l *Limiter) Touch(ctx context.Context, bucket, subject string, limit int, window time.Duration) Result {
	req := Request{Bucket: bucket, Subject: subject, Limit: limit, Window: window}

	if l.remote != nil {
		res, err := l.remote.Touch(ctx, req)
		if err == nil {
			l.record(ctx, req, l.remote.Name(), res)
			return res
		}
		metrics.RecordRateLimitFallback(l.remote.Name())
		l.logger.WithContext(ctx).
			WithError(err).
			WithField("backend", l.remote.Name()).
			WithField("bucket", bucket).
			Warn("remote rate limiter unavailable, using memory")
	}

	res, _ := l.memory.Touch(ctx, req)
	l.record(ctx, req, l.memory.Name(), res)
	return res
}

// Clear drops all in-memory state. Intended for test isolation.
func (l *Limiter) Clear() {
	l.memory.Clear()
}

func (l *Limiter) record(ctx context.Context, req Request, backend string, res Result) {
	metrics.RecordRateLimit(req.Bucket, backend, res.Allowed)
	if !res.Allowed {
		l.logger.LogSecurityEvent(ctx, "rate_limit_exceeded", map[string]interface{}{
			"bucket":   req.Bucket,
			"subject":  req.Subject,
			"backend":  backend,
			"reset_at": res.ResetAt.UnixMilli(),
		})
	}
}
