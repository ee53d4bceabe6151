// Package record defines the open attribute map stored in every collection
// and the naming rules that let chat_id and chatId address the same field.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// TimeLayout is the fixed-width UTC layout used for stored timestamps, so
// lexicographic order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Record is one row of a collection.
type Record map[string]interface{}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Lookup resolves field by exact name, then its snake_case form, then its
// camelCase form.
func (r Record) Lookup(field string) (interface{}, bool) {
	if r == nil || field == "" {
		return nil, false
	}
	if v, ok := r[field]; ok {
		return v, true
	}
	if s := Snake(field); s != field {
		if v, ok := r[s]; ok {
			return v, true
		}
	}
	if c := Camel(field); c != field {
		if v, ok := r[c]; ok {
			return v, true
		}
	}
	return nil, false
}

// String returns the field rendered as a string, or "" when missing.
func (r Record) String(field string) string {
	v, ok := r.Lookup(field)
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Normalize returns a copy with every key in snake_case. When two spellings
// collide the snake_case spelling wins.
func (r Record) Normalize() Record {
	out := make(Record, len(r))
	for k, v := range r {
		s := Snake(k)
		if _, exists := out[s]; exists && s != k {
			continue
		}
		out[s] = v
	}
	return out
}

// Snake converts camelCase to snake_case. Already snake names pass through.
func Snake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Camel converts snake_case to camelCase.
func Camel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	upper := false
	for i, r := range s {
		if r == '_' && i > 0 {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Stringify renders a value for equality comparison. Numbers render without
// trailing zeros so 5, int64(5) and "5" compare equal; times use TimeLayout.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return FormatTime(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return formatFloat(t)
	case float32:
		return formatFloat(float64(t))
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// Field is one key/value pair of an Ordered row.
type Field struct {
	Key   string
	Value interface{}
}

// Ordered is a projected row whose keys keep the requested order when
// marshalled.
type Ordered []Field

// Get returns the value stored under key.
func (o Ordered) Get(key string) (interface{}, bool) {
	for _, f := range o {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Keys lists the keys in order.
func (o Ordered) Keys() []string {
	keys := make([]string, len(o))
	for i, f := range o {
		keys[i] = f.Key
	}
	return keys
}

// Record converts back to an unordered Record.
func (o Ordered) Record() Record {
	r := make(Record, len(o))
	for _, f := range o {
		r[f.Key] = f.Value
	}
	return r
}

func (o Ordered) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
