package traversal

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OrderedMap is a string-keyed map that preserves insertion order through
// JSON marshaling — plain Go maps don't, and brain-state/action keys are
// meant to read back in chronological order (§3).
type OrderedMap[V any] struct {
	keys   []string
	values map[string]V
}

// NewOrderedMap returns an empty OrderedMap.
func NewOrderedMap[V any]() *OrderedMap[V] {
	return &OrderedMap[V]{values: make(map[string]V)}
}

// Set appends key if new, or overwrites the value of an existing key
// in place (insertion order is keyed on first occurrence).
func (m *OrderedMap[V]) Set(key string, value V) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key, if present.
func (m *OrderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns keys in insertion order.
func (m *OrderedMap[V]) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m *OrderedMap[V]) Len() int { return len(m.keys) }

// Values returns the values in insertion order.
func (m *OrderedMap[V]) Values() []V {
	out := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.values[k])
	}
	return out
}

// MarshalJSON renders the map as a JSON object with keys in insertion
// order.
func (m *OrderedMap[V]) MarshalJSON() ([]byte, error) {
	if m == nil || len(m.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		valJSON, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object back into an OrderedMap, preserving
// the order keys appear in the source document.
func (m *OrderedMap[V]) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("orderedmap: expected JSON object")
	}
	m.keys = nil
	m.values = make(map[string]V)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("orderedmap: expected string key")
		}
		var value V
		if err := dec.Decode(&value); err != nil {
			return err
		}
		m.Set(key, value)
	}
	return nil
}
