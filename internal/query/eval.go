package query

import (
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/R3E-Network/chat_layer/internal/record"
)

// ParseColumns splits a select list such as "id, canonical_key". An empty
// list or one containing "*" selects full records and yields nil.
func ParseColumns(columns string) []string {
	parts := strings.Split(columns, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == "*" {
			return nil
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Match reports whether rec satisfies every filter.
func Match(rec record.Record, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(rec, f) {
			return false
		}
	}
	return true
}

func matchOne(rec record.Record, f Filter) bool {
	v, ok := rec.Lookup(f.Field)
	if ok && v == nil {
		ok = false
	}

	switch f.Op {
	case OpEq:
		return equal(v, ok, f.Value)
	case OpNeq:
		return !equal(v, ok, f.Value)
	case OpIn:
		for _, candidate := range inValues(f.Value) {
			if equal(v, ok, candidate) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		if !ok || f.Value == nil {
			return false
		}
		c := compare(v, f.Value)
		switch f.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}

// equal compares stringified values. A missing field equals only nil.
func equal(v interface{}, present bool, want interface{}) bool {
	if !present {
		return want == nil
	}
	if want == nil {
		return false
	}
	return record.Stringify(v) == record.Stringify(want)
}

// inValues flattens the value of an in filter to a slice.
func inValues(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []interface{}{v}
}

// InValues renders the value of an in filter as strings. Used by executors
// that serialize the filter.
func InValues(v interface{}) []string {
	vals := inValues(v)
	out := make([]string, len(vals))
	for i, val := range vals {
		out[i] = record.Stringify(val)
	}
	return out
}

// compare orders two present values: numerically when both coerce to
// numbers, otherwise by their string forms.
func compare(a, b interface{}) int {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(record.Stringify(a), record.Stringify(b))
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		return parseNumber(t)
	case []byte:
		return parseNumber(string(t))
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Sort orders records in place by o, breaking ties by idField ascending.
// Missing values sort after present ones when ascending. A nil order keeps
// insertion order.
func Sort(recs []record.Record, o *Order, idField string) {
	if o == nil {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		c := compareField(recs[i], recs[j], o.Field)
		if !o.Ascending {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return strings.Compare(recs[i].String(idField), recs[j].String(idField)) < 0
	})
}

func compareField(a, b record.Record, field string) int {
	av, aok := a.Lookup(field)
	bv, bok := b.Lookup(field)
	aok = aok && av != nil
	bok = bok && bv != nil
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return 1
	case !bok:
		return -1
	}
	return compare(av, bv)
}

// Limit truncates to n records. n < 1 keeps everything.
func Limit(recs []record.Record, n int) []record.Record {
	if n < 1 || n >= len(recs) {
		return recs
	}
	return recs[:n]
}

// Project keeps only columns, resolved through both naming conventions and
// keyed as requested. Absent attributes project as nil. A nil column list
// returns copies of the full records.
func Project(recs []record.Record, columns []string) []record.Record {
	out := make([]record.Record, len(recs))
	for i, rec := range recs {
		if len(columns) == 0 {
			out[i] = rec.Clone()
			continue
		}
		p := make(record.Record, len(columns))
		for _, c := range columns {
			v, _ := rec.Lookup(c)
			p[c] = v
		}
		out[i] = p
	}
	return out
}

// Evaluate runs a select or count query over an in-memory slice. recs is
// not modified.
func Evaluate(recs []record.Record, q *Query, idField string) *Result {
	matched := make([]record.Record, 0, len(recs))
	for _, rec := range recs {
		if Match(rec, q.Filters) {
			matched = append(matched, rec)
		}
	}
	if q.Op == OpCount {
		return &Result{Count: len(matched)}
	}
	Sort(matched, q.Order, idField)
	matched = Limit(matched, q.Limit)
	return &Result{
		Records: Project(matched, q.Columns),
		Columns: q.Columns,
		Count:   len(matched),
	}
}
