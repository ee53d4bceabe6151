package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/chat_layer/internal/clock"
)

type entryKey struct {
	bucket  string
	subject string
}

// MemoryStore is the process-local backend: (bucket, subject) to the
// timestamps inside the current window. Entries are pruned on touch only.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[entryKey][]time.Time
}

var _ Backend = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store reading time from c.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{clock: c, entries: make(map[entryKey][]time.Time)}
}

func (m *MemoryStore) Name() string { return "memory" }

// Touch implements Backend. It never returns an error.
func (m *MemoryStore) Touch(_ context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	since := now.Add(-req.Window)
	key := entryKey{bucket: req.Bucket, subject: req.Subject}

	stamps := m.entries[key]
	recent := make([]time.Time, 0, len(stamps)+1)
	for _, ts := range stamps {
		if ts.After(since) {
			recent = append(recent, ts)
		}
	}

	allowed := len(recent) < req.Limit
	remaining := 0
	if allowed {
		remaining = req.Limit - len(recent) - 1
		recent = append(recent, now)
	}

	if len(recent) == 0 {
		delete(m.entries, key)
		return Result{Allowed: allowed, Remaining: remaining, ResetAt: now}, nil
	}
	m.entries[key] = recent
	return Result{Allowed: allowed, Remaining: remaining, ResetAt: recent[0].Add(req.Window)}, nil
}

// Clear drops all state.
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	m.entries = make(map[entryKey][]time.Time)
	m.mu.Unlock()
}

// ClearKey drops the state of one (bucket, subject).
func (m *MemoryStore) ClearKey(bucket, subject string) {
	m.mu.Lock()
	delete(m.entries, entryKey{bucket: bucket, subject: subject})
	m.mu.Unlock()
}
