package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/record"
)

// Fixtures maps collection names to the records to seed them with.
type Fixtures map[string][]record.Record

// ParseFixtures reads a YAML document of the form
//
//	conversations:
//	  - id: c1
//	    kind: direct
//	    canonical_key: dm:0xa...:0xb...
func ParseFixtures(r io.Reader) (Fixtures, error) {
	raw := make(map[string][]map[string]interface{})
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return Fixtures{}, nil
		}
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	out := make(Fixtures, len(raw))
	for name, rows := range raw {
		recs := make([]record.Record, len(rows))
		for i, row := range rows {
			rec := make(record.Record, len(row))
			for k, v := range row {
				if t, ok := v.(time.Time); ok {
					v = record.FormatTime(t)
				}
				rec[k] = v
			}
			recs[i] = rec
		}
		out[name] = recs
	}
	return out, nil
}

// Seed inserts fixtures through db. Collections known to the schema go first
// in schema order, the rest follow by name. It returns the number of records
// inserted.
func Seed(ctx context.Context, db *query.DB, fx Fixtures) (int, error) {
	names := make([]string, 0, len(fx))
	known := make(map[string]bool)
	for _, name := range db.Schema().Collections() {
		known[name] = true
		if _, ok := fx[name]; ok {
			names = append(names, name)
		}
	}
	var rest []string
	for name := range fx {
		if !known[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	total := 0
	for _, name := range names {
		if len(fx[name]) == 0 {
			continue
		}
		res, err := db.From(name).Insert(fx[name]).Execute(ctx)
		if err != nil {
			return total, fmt.Errorf("seed %s: %w", name, err)
		}
		total += len(res.Records)
	}
	return total, nil
}

// SeedFile parses the YAML file at path and seeds it through db.
func SeedFile(ctx context.Context, db *query.DB, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()

	fx, err := ParseFixtures(f)
	if err != nil {
		return 0, err
	}
	return Seed(ctx, db, fx)
}
