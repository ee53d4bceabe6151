package query

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/R3E-Network/chat_layer/internal/clock"
	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/record"
)

// DB binds an executor to a schema, an id generator and a clock.
type DB struct {
	exec   Executor
	schema *Schema
	ids    func() string
	clock  clock.Clock
}

// Option configures a DB.
type Option func(*DB)

// WithSchema sets the schema. Defaults to ChatSchema.
func WithSchema(s *Schema) Option {
	return func(db *DB) { db.schema = s }
}

// WithClock sets the clock used for synthesized timestamps.
func WithClock(c clock.Clock) Option {
	return func(db *DB) { db.clock = c }
}

// WithIDGenerator sets the generator used for synthesized ids.
func WithIDGenerator(fn func() string) Option {
	return func(db *DB) { db.ids = fn }
}

// New creates a DB over exec. Union views in the schema are served by
// fanning out to their members, so exec only sees physical collections.
func New(exec Executor, opts ...Option) *DB {
	db := &DB{
		schema: ChatSchema(),
		ids:    uuid.NewString,
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(db)
	}
	db.exec = WithUnions(exec, db.schema)
	return db
}

// Schema returns the schema in use.
func (db *DB) Schema() *Schema { return db.schema }

// Clock returns the clock in use.
func (db *DB) Clock() clock.Clock { return db.clock }

// From starts a query on a collection or union view.
func (db *DB) From(collection string) *Builder {
	return &Builder{
		db: db,
		q:  Query{Collection: collection, Op: OpSelect},
	}
}

// Builder accumulates a Query. Building performs no I/O; only Execute,
// Single and MaybeSingle reach the executor.
type Builder struct {
	db       *DB
	q        Query
	payloads []record.Record
	err      error
}

// Select sets the projected columns ("*" or empty for full records).
func (b *Builder) Select(columns string) *Builder {
	b.q.Columns = ParseColumns(columns)
	return b
}

// Count switches a read to count mode: the number of matches after filters
// and before limit.
func (b *Builder) Count() *Builder {
	b.q.Op = OpCount
	return b
}

// Filter adds a predicate.
func (b *Builder) Filter(field string, op FilterOperator, value interface{}) *Builder {
	if !op.Valid() && b.err == nil {
		b.err = svcerrors.Validation(fmt.Sprintf("unknown filter operator %q", op))
	}
	b.q.Filters = append(b.q.Filters, Filter{Field: field, Op: op, Value: value})
	return b
}

func (b *Builder) Eq(field string, value interface{}) *Builder  { return b.Filter(field, OpEq, value) }
func (b *Builder) Neq(field string, value interface{}) *Builder { return b.Filter(field, OpNeq, value) }
func (b *Builder) Gt(field string, value interface{}) *Builder  { return b.Filter(field, OpGt, value) }
func (b *Builder) Gte(field string, value interface{}) *Builder { return b.Filter(field, OpGte, value) }
func (b *Builder) Lt(field string, value interface{}) *Builder  { return b.Filter(field, OpLt, value) }
func (b *Builder) Lte(field string, value interface{}) *Builder { return b.Filter(field, OpLte, value) }

// In matches any of values.
func (b *Builder) In(field string, values []interface{}) *Builder {
	return b.Filter(field, OpIn, values)
}

// Order sorts by field. A later call replaces an earlier one.
func (b *Builder) Order(field string, ascending bool) *Builder {
	b.q.Order = &Order{Field: field, Ascending: ascending}
	return b
}

// Limit keeps the first n records; n < 1 is a no-op.
func (b *Builder) Limit(n int) *Builder {
	b.q.Limit = n
	return b
}

// Insert queues one record or a slice of records.
func (b *Builder) Insert(payload interface{}) *Builder {
	b.q.Op = OpInsert
	recs, err := toRecords(payload)
	if err != nil && b.err == nil {
		b.err = err
	}
	b.payloads = recs
	return b
}

// Update applies patch to every match.
func (b *Builder) Update(patch interface{}) *Builder {
	b.q.Op = OpUpdate
	recs, err := toRecords(patch)
	switch {
	case err != nil:
		if b.err == nil {
			b.err = err
		}
	case len(recs) != 1:
		if b.err == nil {
			b.err = svcerrors.Validation("update takes exactly one patch")
		}
	default:
		b.q.Patch = recs[0].Normalize()
	}
	return b
}

// Delete removes every match.
func (b *Builder) Delete() *Builder {
	b.q.Op = OpDelete
	return b
}

// Query returns the accumulated query with insert payloads completed as of
// the clock's current time.
func (b *Builder) Query() (*Query, error) {
	if b.err != nil {
		return nil, b.err
	}
	q := b.q.Clone()
	if q.Op == OpInsert {
		q.Records = b.synthesize()
	}
	return q, nil
}

// Execute runs the query.
func (b *Builder) Execute(ctx context.Context) (*Result, error) {
	q, err := b.Query()
	if err != nil {
		return nil, err
	}
	res, err := b.db.exec.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

// Single executes and requires exactly one record.
func (b *Builder) Single(ctx context.Context) (record.Record, error) {
	res, err := b.Execute(ctx)
	if err != nil {
		return nil, err
	}
	switch len(res.Records) {
	case 0:
		return nil, svcerrors.NotFound(fmt.Sprintf("no row in %s", b.q.Collection))
	case 1:
		return res.Records[0], nil
	default:
		return nil, svcerrors.Ambiguous(fmt.Sprintf("%d rows in %s, expected one", len(res.Records), b.q.Collection))
	}
}

// MaybeSingle executes and requires zero or one record. Zero yields nil.
func (b *Builder) MaybeSingle(ctx context.Context) (record.Record, error) {
	res, err := b.Execute(ctx)
	if err != nil {
		return nil, err
	}
	switch len(res.Records) {
	case 0:
		return nil, nil
	case 1:
		return res.Records[0], nil
	default:
		return nil, svcerrors.Ambiguous(fmt.Sprintf("%d rows in %s, expected at most one", len(res.Records), b.q.Collection))
	}
}

// synthesize normalizes payload keys and fills id and timestamp fields.
func (b *Builder) synthesize() []record.Record {
	now := record.FormatTime(b.db.clock.Now())
	out := make([]record.Record, 0, len(b.payloads))
	for _, p := range b.payloads {
		rec := p.Normalize()
		def := b.db.schema.Collection(b.target(rec))
		if isBlank(rec[def.IDField]) {
			rec[def.IDField] = b.db.ids()
		}
		if isBlank(rec[def.TimestampField]) {
			rec[def.TimestampField] = now
		}
		out = append(out, rec)
	}
	return out
}

// target resolves the physical collection a record lands in.
func (b *Builder) target(rec record.Record) string {
	u, ok := b.db.schema.Union(b.q.Collection)
	if !ok {
		return b.q.Collection
	}
	return u.Route(rec)
}

func isBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func toRecords(payload interface{}) ([]record.Record, error) {
	switch p := payload.(type) {
	case record.Record:
		return []record.Record{p}, nil
	case map[string]interface{}:
		return []record.Record{record.Record(p)}, nil
	case []record.Record:
		return p, nil
	case []map[string]interface{}:
		out := make([]record.Record, len(p))
		for i, m := range p {
			out[i] = record.Record(m)
		}
		return out, nil
	case nil:
		return nil, svcerrors.Validation("payload is required")
	}
	return nil, svcerrors.Validation(fmt.Sprintf("unsupported payload type %T", payload))
}
