package moltbook

import (
	"encoding/json"
	"fmt"
)

// Envelope is the parsed form of an upstream response. The API mixes shapes
// (top-level object with a result array, or a bare array), so the envelope
// keeps the raw object and exposes shape-tolerant accessors.
type Envelope struct {
	Success    bool
	Count      int
	HasMore    bool
	NextOffset *int

	obj   map[string]any
	items []map[string]any
	body  []byte
}

// ParseEnvelope decodes a response body into an Envelope. A bare JSON array
// is accepted and exposed via List; anything else that is not a JSON object
// is a malformed envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	env := &Envelope{body: body}
	if len(body) == 0 {
		env.obj = map[string]any{}
		return env, nil
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch v := raw.(type) {
	case map[string]any:
		env.obj = v
		if b, ok := v["success"].(bool); ok {
			env.Success = b
		}
		if n, ok := asInt(v["count"]); ok {
			env.Count = n
		}
		if b, ok := v["has_more"].(bool); ok {
			env.HasMore = b
		}
		if n, ok := asInt(v["next_offset"]); ok {
			env.NextOffset = &n
		}
	case []any:
		env.obj = map[string]any{}
		env.items = objectSlice(v)
	default:
		return nil, fmt.Errorf("envelope is neither object nor array")
	}
	return env, nil
}

// List extracts the result array, trying the preferred keys in order. A
// top-level array response wins over any key.
func (e *Envelope) List(preferred ...string) []map[string]any {
	if e.items != nil {
		return e.items
	}
	for _, k := range preferred {
		if v, ok := e.obj[k].([]any); ok {
			return objectSlice(v)
		}
	}
	return nil
}

// Object extracts a nested object under the preferred keys, falling back to
// the envelope itself when none match.
func (e *Envelope) Object(preferred ...string) map[string]any {
	for _, k := range preferred {
		if v, ok := e.obj[k].(map[string]any); ok {
			return v
		}
	}
	return e.obj
}

// Body returns the raw response bytes, for archival.
func (e *Envelope) Body() []byte { return e.body }

func objectSlice(v []any) []map[string]any {
	out := make([]map[string]any, 0, len(v))
	for _, item := range v {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
