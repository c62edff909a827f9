package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type filter struct {
	column string
	expr   string
}

// QueryBuilder builds a PostgREST request against one table.
type QueryBuilder struct {
	client  *Client
	table   string
	columns string
	filters []filter
	orders  []string
	limit   int
}

func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{client: c, table: table}
}

func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = columns
	return q
}

func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	q.filters = append(q.filters, filter{column: column, expr: fmt.Sprintf("eq.%v", value)})
	return q
}

func (q *QueryBuilder) In(column string, values ...any) *QueryBuilder {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	q.filters = append(q.filters, filter{column: column, expr: "in.(" + strings.Join(parts, ",") + ")"})
	return q
}

func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, column+"."+dir)
	return q
}

func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

func (q *QueryBuilder) path(includeRead bool) string {
	params := url.Values{}
	if includeRead && q.columns != "" {
		params.Set("select", q.columns)
	}
	for _, f := range q.filters {
		params.Add(f.column, f.expr)
	}
	if includeRead {
		if len(q.orders) > 0 {
			params.Set("order", strings.Join(q.orders, ","))
		}
		if q.limit > 0 {
			params.Set("limit", strconv.Itoa(q.limit))
		}
	}

	p := "/rest/v1/" + url.PathEscape(q.table)
	if len(params) > 0 {
		p += "?" + params.Encode()
	}
	return p
}

// Execute runs the SELECT as the user holding token and returns the JSON array.
func (q *QueryBuilder) Execute(ctx context.Context, token string) (json.RawMessage, error) {
	req, err := q.client.newRequest(ctx, http.MethodGet, q.path(true), nil, token)
	if err != nil {
		return nil, err
	}
	body, err := q.client.do(req)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.table, err)
	}
	return json.RawMessage(body), nil
}

// Update patches the rows matched by the filters and returns them.
func (q *QueryBuilder) Update(ctx context.Context, token string, data any) (json.RawMessage, error) {
	if len(q.filters) == 0 {
		return nil, fmt.Errorf("update %s: refusing to update without a filter", q.table)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}

	req, err := q.client.newRequest(ctx, http.MethodPatch, q.path(false), bytes.NewReader(payload), token)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	body, err := q.client.do(req)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", q.table, err)
	}
	return json.RawMessage(body), nil
}
