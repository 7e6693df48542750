package metabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const kindDatabase = "database"

// GetDatabaseMetadata fetches the tables and fields of database id.
func (c *Client) GetDatabaseMetadata(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.dispatcher.Read(ctx, Call{
		Operation: "database.metadata",
		Method:    http.MethodGet,
		Path:      fmt.Sprintf("/api/database/%d/metadata", id),
		Namespace: EntityNamespace(kindDatabase, id),
	})
}

// SyncDatabaseSchema asks Metabase to resync database id. Cached metadata
// and query results for the database are dropped.
func (c *Client) SyncDatabaseSchema(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.dispatcher.Write(ctx, Call{
		Operation:   "database.sync_schema",
		Method:      http.MethodPost,
		Path:        fmt.Sprintf("/api/database/%d/sync_schema", id),
		Body:        []byte("{}"),
		Invalidates: []string{EntityNamespace(kindDatabase, id)},
	})
}

// GetDatabaseFields lists every field of database id.
func (c *Client) GetDatabaseFields(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.dispatcher.Read(ctx, Call{
		Operation: "database.fields",
		Method:    http.MethodGet,
		Path:      fmt.Sprintf("/api/database/%d/fields", id),
		Namespace: EntityNamespace(kindDatabase, id),
	})
}

// GetDatabaseSchemas lists the schema names of database id.
func (c *Client) GetDatabaseSchemas(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.dispatcher.Read(ctx, Call{
		Operation: "database.schemas",
		Method:    http.MethodGet,
		Path:      fmt.Sprintf("/api/database/%d/schemas", id),
		Namespace: EntityNamespace(kindDatabase, id),
	})
}
