package query

import (
	"context"

	"github.com/R3E-Network/chat_layer/internal/record"
)

// Route returns the backing collection rec belongs to.
func (u UnionDef) Route(rec record.Record) string {
	if v, ok := rec.Lookup(u.Discriminator); ok && !isBlank(v) {
		return u.With
	}
	return u.Without
}

// targets narrows the backing collections using an equality filter on the
// discriminator, so backends are never asked for a column they lack.
func (u UnionDef) targets(filters []Filter) []string {
	for _, f := range filters {
		if record.Snake(f.Field) != u.Discriminator {
			continue
		}
		switch {
		case f.Op == OpEq && f.Value == nil:
			return []string{u.Without}
		case f.Op == OpEq, f.Op == OpIn, f.Op == OpNeq && f.Value == nil:
			return []string{u.With}
		}
	}
	return u.Members()
}

// stripDiscriminator drops filters that only select between members.
func (u UnionDef) stripDiscriminator(filters []Filter, target string) []Filter {
	if target != u.Without {
		return filters
	}
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if record.Snake(f.Field) == u.Discriminator && f.Value == nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

type unionExecutor struct {
	next   Executor
	schema *Schema
}

// WithUnions wraps next so union views in schema are served by fanning out
// to their backing collections. Queries on physical collections pass through.
func WithUnions(next Executor, schema *Schema) Executor {
	return &unionExecutor{next: next, schema: schema}
}

func (e *unionExecutor) Execute(ctx context.Context, q *Query) (*Result, error) {
	u, ok := e.schema.Union(q.Collection)
	if !ok {
		return e.next.Execute(ctx, q)
	}
	switch q.Op {
	case OpInsert:
		return e.insert(ctx, u, q)
	case OpCount:
		total := 0
		for _, target := range u.targets(q.Filters) {
			sub := e.sub(u, q, target)
			res, err := e.next.Execute(ctx, sub)
			if err != nil {
				return nil, err
			}
			total += res.Count
		}
		return &Result{Count: total}, nil
	case OpSelect:
		return e.read(ctx, u, q)
	default:
		var out []record.Record
		for _, target := range u.targets(q.Filters) {
			res, err := e.next.Execute(ctx, e.sub(u, q, target))
			if err != nil {
				return nil, err
			}
			out = append(out, res.Records...)
		}
		return &Result{Records: out, Columns: q.Columns, Count: len(out)}, nil
	}
}

func (e *unionExecutor) sub(u UnionDef, q *Query, target string) *Query {
	sub := q.Clone()
	sub.Collection = target
	sub.Filters = u.stripDiscriminator(sub.Filters, target)
	return sub
}

// read serves a union select. A read narrowed to one member passes through
// with its order, limit and projection. Otherwise each member returns its
// own ordered top rows and the merge is ordered, limited and projected here.
func (e *unionExecutor) read(ctx context.Context, u UnionDef, q *Query) (*Result, error) {
	targets := u.targets(q.Filters)
	if len(targets) == 1 {
		sub := e.sub(u, q, targets[0])
		if targets[0] == u.Without {
			sub.Columns = dropColumn(sub.Columns, u.Discriminator)
		}
		res, err := e.next.Execute(ctx, sub)
		if err != nil {
			return nil, err
		}
		// Reproject so a dropped discriminator reads as nil.
		return &Result{Records: Project(res.Records, q.Columns), Columns: q.Columns, Count: len(res.Records)}, nil
	}

	var all []record.Record
	for _, target := range targets {
		sub := e.sub(u, q, target)
		// Full records so the merge can order on unprojected fields.
		sub.Columns = nil
		res, err := e.next.Execute(ctx, sub)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Records...)
	}
	Sort(all, q.Order, e.schema.Collection(u.With).IDField)
	all = Limit(all, q.Limit)
	return &Result{Records: Project(all, q.Columns), Columns: q.Columns, Count: len(all)}, nil
}

// dropColumn removes field from an explicit column list. A list left empty
// becomes nil, which selects full records.
func dropColumn(columns []string, field string) []string {
	if len(columns) == 0 {
		return columns
	}
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if record.Snake(c) == field {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// insert groups records by member while keeping the caller's order in the
// returned rows.
func (e *unionExecutor) insert(ctx context.Context, u UnionDef, q *Query) (*Result, error) {
	groups := make(map[string][]int)
	for i, rec := range q.Records {
		target := u.Route(rec)
		groups[target] = append(groups[target], i)
	}
	out := make([]record.Record, len(q.Records))
	for _, target := range u.Members() {
		idx := groups[target]
		if len(idx) == 0 {
			continue
		}
		sub := q.Clone()
		sub.Collection = target
		sub.Records = make([]record.Record, len(idx))
		for j, i := range idx {
			rec := q.Records[i]
			if target == u.Without {
				rec = rec.Clone()
				delete(rec, u.Discriminator)
			}
			sub.Records[j] = rec
		}
		res, err := e.next.Execute(ctx, sub)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			if j < len(res.Records) {
				out[i] = res.Records[j]
			}
		}
	}
	return &Result{Records: out, Columns: q.Columns, Count: len(out)}, nil
}
