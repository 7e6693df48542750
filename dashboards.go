package metabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const kindDashboard = "dashboard"

// GetDashboard fetches a dashboard with its cards.
func (c *Client) GetDashboard(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.dispatcher.Read(ctx, Call{
		Operation: "dashboard.get",
		Method:    http.MethodGet,
		Path:      fmt.Sprintf("/api/dashboard/%d", id),
		Namespace: EntityNamespace(kindDashboard, id),
	})
}

// ListDashboards lists dashboards. query may carry limit and offset.
func (c *Client) ListDashboards(ctx context.Context, query url.Values) (json.RawMessage, error) {
	return c.dispatcher.Read(ctx, Call{
		Operation: "dashboard.list",
		Method:    http.MethodGet,
		Path:      "/api/dashboard",
		Query:     query,
		Namespace: ListNamespace(kindDashboard),
	})
}

func (c *Client) CreateDashboard(ctx context.Context, dashboard any) (json.RawMessage, error) {
	body, err := marshalBody(dashboard)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Write(ctx, Call{
		Operation:   "dashboard.create",
		Method:      http.MethodPost,
		Path:        "/api/dashboard",
		Body:        body,
		Invalidates: []string{ListNamespace(kindDashboard)},
	})
}

func (c *Client) UpdateDashboard(ctx context.Context, id int64, updates any) (json.RawMessage, error) {
	body, err := marshalBody(updates)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Write(ctx, Call{
		Operation:   "dashboard.update",
		Method:      http.MethodPut,
		Path:        fmt.Sprintf("/api/dashboard/%d", id),
		Body:        body,
		Invalidates: []string{EntityNamespace(kindDashboard, id), ListNamespace(kindDashboard)},
	})
}

func (c *Client) DeleteDashboard(ctx context.Context, id int64) error {
	_, err := c.dispatcher.Write(ctx, Call{
		Operation:   "dashboard.delete",
		Method:      http.MethodDelete,
		Path:        fmt.Sprintf("/api/dashboard/%d", id),
		Invalidates: []string{EntityNamespace(kindDashboard, id), ListNamespace(kindDashboard)},
	})
	return err
}
