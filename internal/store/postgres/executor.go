// Package postgres runs queries directly against PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/record"
)

// Executor compiles queries to SQL.
type Executor struct {
	db     *sqlx.DB
	schema *query.Schema
}

var _ query.Executor = (*Executor)(nil)

// New creates an executor over an open database handle.
func New(db *sql.DB, schema *query.Schema) *Executor {
	if schema == nil {
		schema = query.ChatSchema()
	}
	return &Executor{db: sqlx.NewDb(db, "postgres"), schema: schema}
}

// Open connects to dsn with lib/pq.
func Open(ctx context.Context, dsn string, schema *query.Schema) (*Executor, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if schema == nil {
		schema = query.ChatSchema()
	}
	return &Executor{db: db, schema: schema}, nil
}

// DB returns the underlying handle.
func (e *Executor) DB() *sql.DB { return e.db.DB }

// Close closes the database handle.
func (e *Executor) Close() error { return e.db.Close() }

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func ident(name string) (string, error) {
	snake := record.Snake(name)
	if !identPattern.MatchString(snake) {
		return "", svcerrors.Validation(fmt.Sprintf("invalid identifier %q", name))
	}
	return `"` + snake + `"`, nil
}

// Execute implements query.Executor.
func (e *Executor) Execute(ctx context.Context, q *query.Query) (*query.Result, error) {
	stmt, args, err := e.compile(q)
	if err != nil {
		return nil, err
	}
	op := fmt.Sprintf("%s %s", q.Op, q.Collection)

	if q.Op == query.OpCount {
		var n int
		if err := e.db.QueryRowxContext(ctx, stmt, args...).Scan(&n); err != nil {
			return nil, mapError(op, err)
		}
		return &query.Result{Count: n}, nil
	}

	rows, err := e.db.QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, normalizeRow(row))
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	out = query.Project(out, q.Columns)
	return &query.Result{Records: out, Columns: q.Columns, Count: len(out)}, nil
}

// compile renders q as one SQL statement with $n placeholders.
func (e *Executor) compile(q *query.Query) (string, []interface{}, error) {
	table, err := ident(q.Collection)
	if err != nil {
		return "", nil, err
	}
	c := &compiler{}

	switch q.Op {
	case query.OpSelect:
		where, err := c.where(q.Filters)
		if err != nil {
			return "", nil, err
		}
		var b strings.Builder
		b.WriteString("SELECT * FROM " + table + where)
		if q.Order != nil {
			col, err := ident(q.Order.Field)
			if err != nil {
				return "", nil, err
			}
			idCol, err := ident(e.schema.Collection(q.Collection).IDField)
			if err != nil {
				return "", nil, err
			}
			dir := "ASC NULLS LAST"
			if !q.Order.Ascending {
				dir = "DESC NULLS FIRST"
			}
			b.WriteString(" ORDER BY " + col + " " + dir + ", " + idCol + " ASC")
		}
		if q.Limit > 0 {
			b.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
		}
		return b.String(), c.args, nil

	case query.OpCount:
		where, err := c.where(q.Filters)
		if err != nil {
			return "", nil, err
		}
		return "SELECT COUNT(*) FROM " + table + where, c.args, nil

	case query.OpInsert:
		if len(q.Records) == 0 {
			return "", nil, svcerrors.Validation("insert requires at least one record")
		}
		cols := columnsOf(q.Records)
		quoted := make([]string, len(cols))
		for i, col := range cols {
			if quoted[i], err = ident(col); err != nil {
				return "", nil, err
			}
		}
		tuples := make([]string, len(q.Records))
		for i, rec := range q.Records {
			ph := make([]string, len(cols))
			for j, col := range cols {
				ph[j] = c.bind(rec[col])
			}
			tuples[i] = "(" + strings.Join(ph, ", ") + ")"
		}
		return "INSERT INTO " + table + " (" + strings.Join(quoted, ", ") + ") VALUES " +
			strings.Join(tuples, ", ") + " RETURNING *", c.args, nil

	case query.OpUpdate:
		if len(q.Patch) == 0 {
			return "", nil, svcerrors.Validation("update requires a non-empty patch")
		}
		keys := make([]string, 0, len(q.Patch))
		for k := range q.Patch {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sets := make([]string, len(keys))
		for i, k := range keys {
			col, err := ident(k)
			if err != nil {
				return "", nil, err
			}
			sets[i] = col + " = " + c.bind(q.Patch[k])
		}
		where, err := c.where(q.Filters)
		if err != nil {
			return "", nil, err
		}
		return "UPDATE " + table + " SET " + strings.Join(sets, ", ") + where + " RETURNING *", c.args, nil

	case query.OpDelete:
		where, err := c.where(q.Filters)
		if err != nil {
			return "", nil, err
		}
		return "DELETE FROM " + table + where + " RETURNING *", c.args, nil
	}
	return "", nil, svcerrors.Validation(fmt.Sprintf("unsupported operation %q", q.Op))
}

type compiler struct {
	args []interface{}
}

func (c *compiler) bind(v interface{}) string {
	if t, ok := v.(time.Time); ok {
		v = record.FormatTime(t)
	}
	c.args = append(c.args, v)
	return fmt.Sprintf("$%d", len(c.args))
}

var sqlOps = map[query.FilterOperator]string{
	query.OpEq:  "=",
	query.OpGt:  ">",
	query.OpGte: ">=",
	query.OpLt:  "<",
	query.OpLte: "<=",
}

// where renders filters. neq keeps NULL rows so a missing value never
// equals a present one, the same rule the memory store applies.
func (c *compiler) where(filters []query.Filter) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, len(filters))
	for i, f := range filters {
		col, err := ident(f.Field)
		if err != nil {
			return "", err
		}
		switch {
		case f.Op == query.OpEq && f.Value == nil:
			parts[i] = col + " IS NULL"
		case f.Op == query.OpNeq && f.Value == nil:
			parts[i] = col + " IS NOT NULL"
		case f.Op == query.OpNeq:
			parts[i] = "(" + col + " <> " + c.bind(f.Value) + " OR " + col + " IS NULL)"
		case f.Op == query.OpIn:
			parts[i] = col + " = ANY(" + c.bind(pq.Array(query.InValues(f.Value))) + ")"
		default:
			op, ok := sqlOps[f.Op]
			if !ok {
				return "", svcerrors.Validation(fmt.Sprintf("unknown filter operator %q", f.Op))
			}
			parts[i] = col + " " + op + " " + c.bind(f.Value)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func columnsOf(recs []record.Record) []string {
	seen := make(map[string]struct{})
	for _, r := range recs {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func normalizeRow(row map[string]interface{}) record.Record {
	rec := make(record.Record, len(row))
	for k, v := range row {
		switch t := v.(type) {
		case []byte:
			rec[k] = string(t)
		case time.Time:
			rec[k] = record.FormatTime(t)
		default:
			rec[k] = v
		}
	}
	return rec
}

// uniqueViolation is the SQLSTATE for a unique index violation.
const uniqueViolation = "23505"

func mapError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return svcerrors.Conflict(op, err)
	}
	return svcerrors.Store(op, err)
}
