package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Metadata is the opaque key-value bag echoed back by the gateway. Values are kept
// as decoded JSON primitives and passed through unmodified.
type Metadata map[string]interface{}

// ParseMetadata accepts the shapes the gateway sends for metadata: an object, a
// JSON-encoded object inside a string, an empty string or null.
func ParseMetadata(raw json.RawMessage) Metadata {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == `""` {
		return nil
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err == nil {
		return md
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil && encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &md); err == nil {
			return md
		}
	}
	return nil
}

// String returns the value under key rendered as a string, or "" when absent.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// Clone returns a shallow copy of the bag.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Merge returns a copy of m with every key from other applied on top.
func (m Metadata) Merge(other Metadata) Metadata {
	if len(other) == 0 {
		return m.Clone()
	}
	c := m.Clone()
	if c == nil {
		c = make(Metadata, len(other))
	}
	for k, v := range other {
		c[k] = v
	}
	return c
}
