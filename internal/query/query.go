// Package query is the backend-neutral query layer: an intermediate
// representation, a fluent builder that produces it and the evaluation
// helpers shared by every executor.
package query

import (
	"context"
	"sort"

	"github.com/R3E-Network/chat_layer/internal/record"
)

// Op is the kind of operation a Query performs.
type Op string

const (
	OpSelect Op = "select"
	OpCount  Op = "count"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// FilterOperator is a comparison operator.
type FilterOperator string

const (
	OpEq  FilterOperator = "eq"
	OpNeq FilterOperator = "neq"
	OpGt  FilterOperator = "gt"
	OpGte FilterOperator = "gte"
	OpLt  FilterOperator = "lt"
	OpLte FilterOperator = "lte"
	OpIn  FilterOperator = "in"
)

// Valid reports whether op is a known operator.
func (op FilterOperator) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn:
		return true
	}
	return false
}

// Filter is one conjunctive predicate.
type Filter struct {
	Field string
	Op    FilterOperator
	Value interface{}
}

// Order sorts results by Field. Ties are broken by the id field ascending.
type Order struct {
	Field     string
	Ascending bool
}

// Query is what a Builder hands to an Executor.
type Query struct {
	Collection string
	Op         Op
	// Columns lists projected fields; nil selects full records.
	Columns []string
	Filters []Filter
	Order   *Order
	// Limit <= 0 means unlimited.
	Limit int
	// Records holds insert payloads, already normalized and completed with
	// id and timestamp.
	Records []record.Record
	// Patch holds the normalized update patch.
	Patch record.Record
}

// Clone returns a copy that can be modified without touching q.
func (q *Query) Clone() *Query {
	c := *q
	c.Columns = append([]string(nil), q.Columns...)
	c.Filters = append([]Filter(nil), q.Filters...)
	if q.Order != nil {
		o := *q.Order
		c.Order = &o
	}
	c.Records = append([]record.Record(nil), q.Records...)
	if q.Patch != nil {
		c.Patch = q.Patch.Clone()
	}
	return &c
}

// Result is the outcome of an executed Query. For select and mutations
// Records holds the (projected) rows; for count only Count is set.
type Result struct {
	Records []record.Record
	Columns []string
	Count   int
}

// Rows returns the records with keys in projection order. Full records use
// sorted keys.
func (r *Result) Rows() []record.Ordered {
	rows := make([]record.Ordered, 0, len(r.Records))
	for _, rec := range r.Records {
		keys := r.Columns
		if len(keys) == 0 {
			keys = make([]string, 0, len(rec))
			for k := range rec {
				keys = append(keys, k)
			}
			sort.Strings(keys)
		}
		row := make(record.Ordered, 0, len(keys))
		for _, k := range keys {
			row = append(row, record.Field{Key: k, Value: rec[k]})
		}
		rows = append(rows, row)
	}
	return rows
}

// Executor runs a Query against a persistence backend. It is the single
// adapter interface implemented by the memory store, PostgreSQL, PostgREST
// and test doubles.
type Executor interface {
	Execute(ctx context.Context, q *Query) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, q *Query) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, q *Query) (*Result, error) {
	return f(ctx, q)
}
