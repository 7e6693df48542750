package metabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

const kindCollection = "collection"

// RootCollection is the id of the top level collection.
const RootCollection = "root"

// GetCollection fetches a collection. id is numeric or RootCollection.
func (c *Client) GetCollection(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, newValidationError("collection id is required")
	}
	return c.dispatcher.Read(ctx, Call{
		Operation: "collection.get",
		Method:    http.MethodGet,
		Path:      "/api/collection/" + url.PathEscape(id),
		Namespace: EntityNamespace(kindCollection, id),
	})
}

// ListCollections lists every collection visible to the session.
func (c *Client) ListCollections(ctx context.Context) (json.RawMessage, error) {
	return c.dispatcher.Read(ctx, Call{
		Operation: "collection.list",
		Method:    http.MethodGet,
		Path:      "/api/collection",
		Namespace: ListNamespace(kindCollection),
	})
}

func (c *Client) CreateCollection(ctx context.Context, collection any) (json.RawMessage, error) {
	body, err := marshalBody(collection)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Write(ctx, Call{
		Operation:   "collection.create",
		Method:      http.MethodPost,
		Path:        "/api/collection",
		Body:        body,
		Invalidates: []string{ListNamespace(kindCollection)},
	})
}

func (c *Client) UpdateCollection(ctx context.Context, id string, updates any) (json.RawMessage, error) {
	if id == "" {
		return nil, newValidationError("collection id is required")
	}
	body, err := marshalBody(updates)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Write(ctx, Call{
		Operation:   "collection.update",
		Method:      http.MethodPut,
		Path:        "/api/collection/" + url.PathEscape(id),
		Body:        body,
		Invalidates: []string{EntityNamespace(kindCollection, id), ListNamespace(kindCollection)},
	})
}

// ArchiveCollection archives a collection. Metabase never hard deletes
// collections.
func (c *Client) ArchiveCollection(ctx context.Context, id string) (json.RawMessage, error) {
	return c.UpdateCollection(ctx, id, map[string]bool{"archived": true})
}
