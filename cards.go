package metabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const kindCard = "card"

// GetCard fetches a saved question.
func (c *Client) GetCard(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.dispatcher.Read(ctx, Call{
		Operation: "card.get",
		Method:    http.MethodGet,
		Path:      fmt.Sprintf("/api/card/%d", id),
		Namespace: EntityNamespace(kindCard, id),
	})
}

// ListCards lists saved questions. query carries Metabase's filters such as
// f=mine or model_type=model.
func (c *Client) ListCards(ctx context.Context, query url.Values) (json.RawMessage, error) {
	return c.dispatcher.Read(ctx, Call{
		Operation: "card.list",
		Method:    http.MethodGet,
		Path:      "/api/card",
		Query:     query,
		Namespace: ListNamespace(kindCard),
	})
}

// CreateCard creates a saved question from card, which is marshaled as JSON.
func (c *Client) CreateCard(ctx context.Context, card any) (json.RawMessage, error) {
	body, err := marshalBody(card)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Write(ctx, Call{
		Operation:   "card.create",
		Method:      http.MethodPost,
		Path:        "/api/card",
		Body:        body,
		Invalidates: []string{ListNamespace(kindCard)},
	})
}

// UpdateCard applies updates to card id.
func (c *Client) UpdateCard(ctx context.Context, id int64, updates any) (json.RawMessage, error) {
	body, err := marshalBody(updates)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Write(ctx, Call{
		Operation:   "card.update",
		Method:      http.MethodPut,
		Path:        fmt.Sprintf("/api/card/%d", id),
		Body:        body,
		Invalidates: []string{EntityNamespace(kindCard, id), ListNamespace(kindCard)},
	})
}

// DeleteCard removes card id.
func (c *Client) DeleteCard(ctx context.Context, id int64) error {
	_, err := c.dispatcher.Write(ctx, Call{
		Operation:   "card.delete",
		Method:      http.MethodDelete,
		Path:        fmt.Sprintf("/api/card/%d", id),
		Invalidates: []string{EntityNamespace(kindCard, id), ListNamespace(kindCard)},
	})
	return err
}

// ExecuteCardQuery runs the query behind card id. parameters may be nil.
// Results are cached under the card only when query caching is enabled.
func (c *Client) ExecuteCardQuery(ctx context.Context, id int64, parameters any) (json.RawMessage, error) {
	var body []byte
	if parameters != nil {
		raw, err := marshalBody(map[string]any{"parameters": parameters})
		if err != nil {
			return nil, err
		}
		body = raw
	}
	return c.dispatcher.Read(ctx, Call{
		Operation: "card.query",
		Method:    http.MethodPost,
		Path:      fmt.Sprintf("/api/card/%d/query", id),
		Body:      body,
		Namespace: EntityNamespace(kindCard, id),
		NoCache:   !c.cacheQueries,
	})
}

// ExportCardQuery runs card id and returns the result rendered in format.
// Exports are never cached.
func (c *Client) ExportCardQuery(ctx context.Context, id int64, format ExportFormat, parameters any) ([]byte, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	body, err := marshalBody(map[string]any{"parameters": parametersOrEmpty(parameters)})
	if err != nil {
		return nil, err
	}
	raw, err := c.dispatcher.Read(ctx, Call{
		Operation: "card.export",
		Method:    http.MethodPost,
		Path:      fmt.Sprintf("/api/card/%d/query/%s", id, format),
		Body:      body,
		Namespace: EntityNamespace(kindCard, id),
		NoCache:   true,
	})
	return []byte(raw), err
}

// ExecuteCardPivotQuery runs card id as a pivot table. Caching follows
// ExecuteCardQuery.
func (c *Client) ExecuteCardPivotQuery(ctx context.Context, id int64, parameters any) (json.RawMessage, error) {
	var body []byte
	if parameters != nil {
		raw, err := marshalBody(map[string]any{"parameters": parameters})
		if err != nil {
			return nil, err
		}
		body = raw
	}
	return c.dispatcher.Read(ctx, Call{
		Operation: "card.pivot_query",
		Method:    http.MethodPost,
		Path:      fmt.Sprintf("/api/card/pivot/%d/query", id),
		Body:      body,
		Namespace: EntityNamespace(kindCard, id),
		NoCache:   !c.cacheQueries,
	})
}

func parametersOrEmpty(parameters any) any {
	if parameters == nil {
		return []any{}
	}
	return parameters
}
