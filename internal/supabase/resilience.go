package supabase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"
)

// RetryConfig configures retries of idempotent reads.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0).
	Jitter               float64
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// OnStateChange is called outside the lock after each transition.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling an unhealthy backend for a cool-down period.
type CircuitBreaker struct {
	mu sync.Mutex

	config CircuitBreakerConfig
	state  CircuitState
	now    func() time.Time

	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{config: config, state: CircuitClosed, now: time.Now}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var change func()
	defer func() {
		cb.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) <= cb.config.Timeout {
			return ErrCircuitOpen
		}
		change = cb.transitionLocked(CircuitHalfOpen)
	}
	return nil
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var change func()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			change = cb.transitionLocked(CircuitClosed)
		}
	}
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var change func()
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			change = cb.transitionLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		change = cb.transitionLocked(CircuitOpen)
	}
	cb.mu.Unlock()
	if change != nil {
		change()
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) func() {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == CircuitOpen {
		cb.openedAt = cb.now()
	}
	if cb.config.OnStateChange == nil || from == to {
		return nil
	}
	return func() { cb.config.OnStateChange(from, to) }
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// resilientTransport retries idempotent requests and trips a breaker on
// repeated failures. Writes are sent once.
type resilientTransport struct {
	next    http.RoundTripper
	retry   RetryConfig
	breaker *CircuitBreaker
}

func (rt *resilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := rt.breaker.Allow(); err != nil {
		return nil, err
	}

	attempts := 1
	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		attempts += rt.retry.MaxRetries
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(req.Context(), rt.backoff(attempt)); err != nil {
				return nil, err
			}
			var err error
			if req, err = rewind(req); err != nil {
				return nil, err
			}
		}

		resp, lastErr = rt.next.RoundTrip(req)
		if lastErr != nil {
			if !retryableError(lastErr) {
				break
			}
			continue
		}
		if !rt.retryableStatus(resp.StatusCode) || attempt == attempts-1 {
			break
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	switch {
	case lastErr != nil:
		rt.breaker.RecordFailure()
		return nil, lastErr
	case resp.StatusCode >= http.StatusInternalServerError:
		rt.breaker.RecordFailure()
	default:
		rt.breaker.RecordSuccess()
	}
	return resp, nil
}

func (rt *resilientTransport) backoff(attempt int) time.Duration {
	backoff := float64(rt.retry.InitialBackoff) * math.Pow(rt.retry.BackoffMultiplier, float64(attempt-1))
	if ceiling := float64(rt.retry.MaxBackoff); ceiling > 0 && backoff > ceiling {
		backoff = ceiling
	}
	if rt.retry.Jitter > 0 {
		backoff += backoff * rt.retry.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

func (rt *resilientTransport) retryableStatus(code int) bool {
	for _, c := range rt.retry.RetryableStatusCodes {
		if code == c {
			return true
		}
	}
	return false
}

func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.GetBody == nil {
		return clone, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func bodyReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}
