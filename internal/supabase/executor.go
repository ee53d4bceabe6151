package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	svcerrors "github.com/R3E-Network/chat_layer/internal/errors"
	"github.com/R3E-Network/chat_layer/internal/query"
	"github.com/R3E-Network/chat_layer/internal/record"
)

// Executor runs queries as PostgREST requests.
type Executor struct {
	client *Client
	schema *query.Schema
}

var _ query.Executor = (*Executor)(nil)

// NewExecutor creates an executor over client. schema supplies the id field
// used as the ordering tie-break.
func NewExecutor(client *Client, schema *query.Schema) *Executor {
	if schema == nil {
		schema = query.ChatSchema()
	}
	return &Executor{client: client, schema: schema}
}

// Execute implements query.Executor.
func (e *Executor) Execute(ctx context.Context, q *query.Query) (*query.Result, error) {
	var (
		method  string
		body    []byte
		headers = map[string]string{}
		err     error
	)

	switch q.Op {
	case query.OpSelect:
		method = http.MethodGet
	case query.OpCount:
		method = http.MethodHead
		headers["Prefer"] = "count=exact"
	case query.OpInsert:
		method = http.MethodPost
		headers["Prefer"] = "return=representation"
		body, err = json.Marshal(q.Records)
	case query.OpUpdate:
		method = http.MethodPatch
		headers["Prefer"] = "return=representation"
		body, err = json.Marshal(q.Patch)
	case query.OpDelete:
		method = http.MethodDelete
		headers["Prefer"] = "return=representation"
	default:
		return nil, svcerrors.Validation(fmt.Sprintf("unsupported operation %q", q.Op))
	}
	if err != nil {
		return nil, svcerrors.Internal("encode payload", err)
	}

	op := fmt.Sprintf("%s %s", q.Op, q.Collection)
	resp, err := e.client.request(ctx, method, e.buildURL(q), body, headers)
	if err != nil {
		return nil, svcerrors.Store(op, err)
	}
	if resp.status >= 400 {
		return nil, toServiceError(op, parseError(resp.body, resp.status))
	}

	if q.Op == query.OpCount {
		n, err := parseContentRange(resp.header.Get("Content-Range"))
		if err != nil {
			return nil, svcerrors.Store(op, err)
		}
		return &query.Result{Count: n}, nil
	}

	var rows []record.Record
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &rows); err != nil {
			return nil, svcerrors.Store(op, fmt.Errorf("decode rows: %w", err))
		}
	}
	rows = query.Project(rows, q.Columns)
	return &query.Result{Records: rows, Columns: q.Columns, Count: len(rows)}, nil
}

// buildURL renders q in PostgREST query-string syntax. Field names are sent
// in snake_case; projection back to the requested spelling happens locally.
func (e *Executor) buildURL(q *query.Query) string {
	params := make([]string, 0, len(q.Filters)+3)

	if q.Op == query.OpSelect || (q.Op != query.OpCount && len(q.Columns) > 0) {
		params = append(params, "select="+url.QueryEscape(selectList(q.Columns)))
	}
	for _, f := range q.Filters {
		params = append(params, url.QueryEscape(record.Snake(f.Field))+"="+filterValue(f))
	}
	if q.Order != nil && q.Op == query.OpSelect {
		dir := "asc.nullslast"
		if !q.Order.Ascending {
			dir = "desc.nullsfirst"
		}
		idField := e.schema.Collection(q.Collection).IDField
		params = append(params, "order="+record.Snake(q.Order.Field)+"."+dir+","+idField+".asc")
	}
	if q.Limit > 0 && q.Op == query.OpSelect {
		params = append(params, "limit="+strconv.Itoa(q.Limit))
	}

	u := e.client.restURL + "/" + url.PathEscape(q.Collection)
	if len(params) > 0 {
		u += "?" + strings.Join(params, "&")
	}
	return u
}

func selectList(columns []string) string {
	if len(columns) == 0 {
		return "*"
	}
	snake := make([]string, len(columns))
	for i, c := range columns {
		snake[i] = record.Snake(c)
	}
	return strings.Join(snake, ",")
}

func filterValue(f query.Filter) string {
	switch {
	case f.Value == nil && f.Op == query.OpEq:
		return "is.null"
	case f.Value == nil && f.Op == query.OpNeq:
		return "not.is.null"
	case f.Op == query.OpIn:
		vals := query.InValues(f.Value)
		quoted := make([]string, len(vals))
		for i, v := range vals {
			quoted[i] = strconv.Quote(v)
		}
		return "in.(" + url.QueryEscape(strings.Join(quoted, ",")) + ")"
	}
	return string(f.Op) + "." + url.QueryEscape(record.Stringify(f.Value))
}

// parseContentRange extracts the total from "0-24/3573" or "*/0".
func parseContentRange(v string) (int, error) {
	i := strings.LastIndex(v, "/")
	if i < 0 || i == len(v)-1 {
		return 0, fmt.Errorf("missing count in Content-Range %q", v)
	}
	n, err := strconv.Atoi(v[i+1:])
	if err != nil {
		return 0, fmt.Errorf("invalid count in Content-Range %q: %w", v, err)
	}
	return n, nil
}
