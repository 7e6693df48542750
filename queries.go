package metabase

import (
	"context"
	"encoding/json"
	"net/http"
)

const namespaceDataset = "dataset"

// ExportFormat is a rendering Metabase can export query results in.
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
	ExportXLSX ExportFormat = "xlsx"
)

func (f ExportFormat) validate() error {
	switch f {
	case ExportCSV, ExportJSON, ExportXLSX:
		return nil
	}
	return newValidationError("unsupported export format %q", string(f))
}

// NativeQuery is a SQL query with optional template tags.
type NativeQuery struct {
	Query        string         `json:"query"`
	TemplateTags map[string]any `json:"template-tags,omitempty"`
}

// ExecuteQuery runs an ad hoc dataset query. The query does not change
// state on the origin, so it is retried like a read even though it is a
// POST. Results are cached only when query caching is enabled.
func (c *Client) ExecuteQuery(ctx context.Context, query any) (json.RawMessage, error) {
	body, err := marshalBody(query)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, newValidationError("query is required")
	}
	return c.dispatcher.Read(ctx, Call{
		Operation: "dataset.query",
		Method:    http.MethodPost,
		Path:      "/api/dataset",
		Body:      body,
		Namespace: namespaceDataset,
		NoCache:   !c.cacheQueries,
	})
}

// ExecuteDatasetPivot runs an ad hoc dataset query as a pivot table.
func (c *Client) ExecuteDatasetPivot(ctx context.Context, query any) (json.RawMessage, error) {
	body, err := marshalBody(query)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, newValidationError("query is required")
	}
	return c.dispatcher.Read(ctx, Call{
		Operation: "dataset.pivot",
		Method:    http.MethodPost,
		Path:      "/api/dataset/pivot",
		Body:      body,
		Namespace: namespaceDataset,
		NoCache:   !c.cacheQueries,
	})
}

// ExportDataset runs an ad hoc dataset query and returns the result
// rendered in format. Exports are never cached.
func (c *Client) ExportDataset(ctx context.Context, format ExportFormat, query any) ([]byte, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	body, err := marshalBody(query)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, newValidationError("query is required")
	}
	raw, err := c.dispatcher.Read(ctx, Call{
		Operation: "dataset.export",
		Method:    http.MethodPost,
		Path:      "/api/dataset/" + string(format),
		Body:      body,
		Namespace: namespaceDataset,
		NoCache:   true,
	})
	return []byte(raw), err
}

// ExportSQLQuery runs sql against database id and returns the result
// rendered in format.
func (c *Client) ExportSQLQuery(ctx context.Context, databaseID int64, sql string, format ExportFormat) ([]byte, error) {
	if sql == "" {
		return nil, newValidationError("native query text is required")
	}
	return c.ExportDataset(ctx, format, map[string]any{
		"database": databaseID,
		"type":     "native",
		"native":   NativeQuery{Query: sql},
	})
}

// ExecuteNativeQuery runs SQL against database id. Cached results live in
// the database namespace so a schema sync drops them.
func (c *Client) ExecuteNativeQuery(ctx context.Context, databaseID int64, query NativeQuery) (json.RawMessage, error) {
	if query.Query == "" {
		return nil, newValidationError("native query text is required")
	}
	body, err := marshalBody(map[string]any{
		"database": databaseID,
		"type":     "native",
		"native":   query,
	})
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Read(ctx, Call{
		Operation: "dataset.native",
		Method:    http.MethodPost,
		Path:      "/api/dataset",
		Body:      body,
		Namespace: EntityNamespace(kindDatabase, databaseID),
		NoCache:   !c.cacheQueries,
	})
}
