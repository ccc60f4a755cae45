package whatsapp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/wamcp/internal/mcp"
)

// ErrUnexpectedShape is returned when a tool result is neither the
// expected JSON value nor an MCP content object carrying it.
var ErrUnexpectedShape = errors.New("unexpected result shape")

// payload returns the JSON a tool actually produced. Servers either
// return it as the result itself or as the text of an MCP content
// block; both collapse to the same bytes here so nothing downstream
// inspects shapes again.
func payload(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}

	var r mcp.CallToolResult
	if err := json.Unmarshal(trimmed, &r); err != nil || len(r.Content) == 0 {
		return trimmed
	}
	for _, b := range r.Content {
		text := bytes.TrimSpace([]byte(b.Text))
		if b.Type == "text" && len(text) > 0 && json.Valid(text) {
			return text
		}
	}
	return trimmed
}

// decodeObject decodes a result that must be a single JSON object.
func decodeObject(raw json.RawMessage, v any) error {
	data := payload(raw)
	if len(data) == 0 || data[0] != '{' {
		return fmt.Errorf("%w: want object, got %.40q", ErrUnexpectedShape, data)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// decodeList decodes a list result delivered either as a bare array or
// as an object holding the array under key.
func decodeList[T any](raw json.RawMessage, key string) ([]T, error) {
	data := payload(raw)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty result", ErrUnexpectedShape)
	}

	switch data[0] {
	case '[':
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		return items, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		inner, ok := wrapper[key]
		if !ok {
			return nil, fmt.Errorf("%w: object without %q", ErrUnexpectedShape, key)
		}
		var items []T
		if err := json.Unmarshal(inner, &items); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("%w: want list of %s, got %.40q", ErrUnexpectedShape, key, data)
	}
}
