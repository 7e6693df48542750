package metabase

import (
	"bytes"
	"encoding/json"
	"time"
)

// DecodeJSON unmarshals a response payload into T. An empty or null payload
// yields the zero value.
func DecodeJSON[T any](raw []byte) (T, error) {
	var out T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return out, &ClientError{
			Type:      ErrorTypePermanent,
			Message:   "failed to unmarshal response",
			Timestamp: time.Now(),
			Cause:     err,
		}
	}
	return out, nil
}

// marshalBody encodes a request body. Raw JSON and byte slices pass
// through untouched.
func marshalBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		ce := newValidationError("failed to marshal request body: %v", err)
		ce.Cause = err
		return nil, ce
	}
	return data, nil
}
