// Package store provides the in-memory collection store and fixture seeding.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/record"
)

// Memory holds named collections in insertion order. Each executed query is
// atomic; a sequence of queries is not. Safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	schema      *query.Schema
	collections map[string][]record.Record
	unique      map[string][][]string
}

var _ query.Executor = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithSchema sets the schema used for id fields. Defaults to query.ChatSchema.
func WithSchema(s *query.Schema) MemoryOption {
	return func(m *Memory) { m.schema = s }
}

// WithUniqueIndex rejects inserts and updates that would duplicate fields in
// collection, the way a unique index in a relational backend would.
func WithUniqueIndex(collection string, fields ...string) MemoryOption {
	return func(m *Memory) {
		m.unique[collection] = append(m.unique[collection], fields)
	}
}

// NewMemory creates an empty store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		schema:      query.ChatSchema(),
		collections: make(map[string][]record.Record),
		unique:      make(map[string][][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute runs q against the named physical collection.
func (m *Memory) Execute(ctx context.Context, q *query.Query) (*query.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idField := m.schema.Collection(q.Collection).IDField

	switch q.Op {
	case query.OpSelect, query.OpCount:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return query.Evaluate(m.collections[q.Collection], q, idField), nil
	case query.OpInsert:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.insertLocked(q)
	case query.OpUpdate:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.updateLocked(q, idField)
	case query.OpDelete:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.deleteLocked(q)
	}
	return nil, svcerrors.Validation(fmt.Sprintf("unsupported operation %q", q.Op))
}

func (m *Memory) insertLocked(q *query.Query) (*query.Result, error) {
	stored := make([]record.Record, len(q.Records))
	for i, rec := range q.Records {
		stored[i] = rec.Clone()
	}
	next := append(append([]record.Record(nil), m.collections[q.Collection]...), stored...)
	if err := m.checkUniqueLocked(q.Collection, next); err != nil {
		return nil, err
	}
	m.collections[q.Collection] = next
	return &query.Result{
		Records: query.Project(stored, q.Columns),
		Columns: q.Columns,
		Count:   len(stored),
	}, nil
}

func (m *Memory) updateLocked(q *query.Query, idField string) (*query.Result, error) {
	current := m.collections[q.Collection]
	next := make([]record.Record, len(current))
	var changed []record.Record
	for i, rec := range current {
		if !query.Match(rec, q.Filters) {
			next[i] = rec
			continue
		}
		updated := rec.Clone()
		for k, v := range q.Patch {
			if k == idField {
				continue
			}
			updated[k] = v
		}
		next[i] = updated
		changed = append(changed, updated)
	}
	if err := m.checkUniqueLocked(q.Collection, next); err != nil {
		return nil, err
	}
	m.collections[q.Collection] = next
	return &query.Result{
		Records: query.Project(changed, q.Columns),
		Columns: q.Columns,
		Count:   len(changed),
	}, nil
}

func (m *Memory) deleteLocked(q *query.Query) (*query.Result, error) {
	current := m.collections[q.Collection]
	kept := make([]record.Record, 0, len(current))
	var removed []record.Record
	for _, rec := range current {
		if query.Match(rec, q.Filters) {
			removed = append(removed, rec)
			continue
		}
		kept = append(kept, rec)
	}
	m.collections[q.Collection] = kept
	return &query.Result{
		Records: query.Project(removed, q.Columns),
		Columns: q.Columns,
		Count:   len(removed),
	}, nil
}

func (m *Memory) checkUniqueLocked(collection string, recs []record.Record) error {
	for _, fields := range m.unique[collection] {
		seen := make(map[string]struct{}, len(recs))
		for _, rec := range recs {
			parts := make([]string, len(fields))
			for i, f := range fields {
				parts[i] = rec.String(f)
			}
			key := strings.Join(parts, "\x00")
			if _, dup := seen[key]; dup {
				return svcerrors.Conflict(
					fmt.Sprintf("duplicate key value violates unique index on %s(%s)", collection, strings.Join(fields, ", ")),
					nil,
				)
			}
			seen[key] = struct{}{}
		}
	}
	return nil
}

// Len returns the number of records in collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

// Snapshot returns copies of every record in collection, in insertion order.
func (m *Memory) Snapshot(collection string) []record.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return query.Project(m.collections[collection], nil)
}

// Clear drops every collection.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.collections = make(map[string][]record.Record)
	m.mu.Unlock()
}
