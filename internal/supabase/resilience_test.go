package supabase

import (
	"testing"
	"time"
)

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()

	if cfg.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.FailureThreshold)
	}
	if cfg.SuccessThreshold != 2 {
		t.Errorf("SuccessThreshold = %d, want 2", cfg.SuccessThreshold)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("State() = %v, want closed", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}
	if err := cb.Allow(); err != ErrCircuitOpen {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []CircuitState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		OnStateChange:    func(_, to CircuitState) { transitions = append(transitions, to) },
	})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)

	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("State() = %v, want half-open", cb.State())
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("State() = %v, want closed", cb.State())
	}

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	_ = cb.Allow()
	cb.RecordFailure()

	if cb.State() != CircuitOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
}

func TestBackoffIsCapped(t *testing.T) {
	rt := &resilientTransport{retry: RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        300 * time.Millisecond,
		BackoffMultiplier: 2,
	}}
	if got := rt.backoff(1); got != 100*time.Millisecond {
		t.Errorf("backoff(1) = %v", got)
	}
	if got := rt.backoff(2); got != 200*time.Millisecond {
		t.Errorf("backoff(2) = %v", got)
	}
	if got := rt.backoff(5); got != 300*time.Millisecond {
		t.Errorf("backoff(5) = %v", got)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"0-24/3573", 3573, false},
		{"*/0", 0, false},
		{"", 0, true},
		{"0-1/", 0, true},
		{"0-1/x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseContentRange(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseContentRange(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseContentRange(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
