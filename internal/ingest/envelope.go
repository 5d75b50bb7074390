package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Node is a read-only cursor into a decoded extraction payload. Extraction
// output wraps most values in an optional {"value": ...} envelope and drops
// keys freely, so every accessor on a missing or mistyped position returns
// the empty Node (or a zero value) instead of failing.
type Node struct {
	v any
}

// NewNode wraps a value produced by encoding/json.
func NewNode(v any) Node {
	return Node{v: v}
}

// Raw returns the underlying decoded value.
func (n Node) Raw() any {
	return n.v
}

// IsNull reports whether nothing is stored at this position.
func (n Node) IsNull() bool {
	return n.v == nil
}

// Get returns the child stored under key when n is an object.
func (n Node) Get(key string) Node {
	obj, ok := n.v.(map[string]any)
	if !ok {
		return Node{}
	}
	return Node{v: obj[key]}
}

// Unwrap strips a single {"value": ...} envelope. Values without an
// envelope are returned as-is.
func (n Node) Unwrap() Node {
	obj, ok := n.v.(map[string]any)
	if !ok {
		return n
	}
	inner, ok := obj["value"]
	if !ok {
		return n
	}
	return Node{v: inner}
}

// Field is Get followed by Unwrap, the access pattern used for every
// extracted attribute.
func (n Node) Field(key string) Node {
	return n.Get(key).Unwrap()
}

// Present mirrors the truthiness the extraction format relies on: null,
// blank strings, zero numbers, false and empty collections all count as
// absent.
func (n Node) Present() bool {
	switch v := n.v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case float64:
		return v != 0
	case bool:
		return v
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// String renders scalars as text. Objects and arrays yield "".
func (n Node) String() string {
	switch v := n.v.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// OptionalString returns nil for absent values so they map to SQL NULL.
func (n Node) OptionalString() *string {
	if !n.Present() {
		return nil
	}
	s := n.String()
	if s == "" {
		return nil
	}
	return &s
}

// List returns the elements of an array; anything else yields nil.
func (n Node) List() []Node {
	arr, ok := n.v.([]any)
	if !ok {
		return nil
	}
	out := make([]Node, 0, len(arr))
	for _, item := range arr {
		out = append(out, Node{v: item})
	}
	return out
}

// FirstPresent returns the first node that is Present, or the empty node.
func FirstPresent(nodes ...Node) Node {
	for _, n := range nodes {
		if n.Present() {
			return n
		}
	}
	return Node{}
}
