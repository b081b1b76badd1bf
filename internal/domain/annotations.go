// Package domain annotations.go contains the insertion-ordered string map
// used for report annotations. Order matters: annotations are serialized to
// annotations.json and uploaded in the order producers supplied them.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Annotations is an ordered string-to-string map. The zero value is not
// usable; construct via NewAnnotations.
type Annotations struct {
	keys []string
	m    map[string]string
}

// NewAnnotations returns an empty Annotations, optionally seeded from pairs
// applied in order.
func NewAnnotations() *Annotations {
	return &Annotations{m: make(map[string]string)}
}

// Set inserts or updates a key. New keys append to the iteration order;
// existing keys keep their original position.
func (a *Annotations) Set(key, value string) {
	if _, ok := a.m[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.m[key] = value
}

// Get returns the value for key and whether it was present.
func (a *Annotations) Get(key string) (string, bool) {
	v, ok := a.m[key]
	return v, ok
}

// Contains reports whether key is present.
func (a *Annotations) Contains(key string) bool {
	_, ok := a.m[key]
	return ok
}

// Keys returns the keys in insertion order. The returned slice is a copy.
func (a *Annotations) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Len returns the number of entries.
func (a *Annotations) Len() int { return len(a.keys) }

// Merge copies every entry of other into a, preserving other's order for keys
// a does not already hold.
func (a *Annotations) Merge(other *Annotations) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		a.Set(k, other.m[k])
	}
}

// MarshalJSON encodes the annotations as a flat JSON object in insertion order.
func (a *Annotations) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(a.m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object, preserving the key order of the
// document.
func (a *Annotations) UnmarshalJSON(data []byte) error {
	if a.m == nil {
		a.m = make(map[string]string)
	}
	a.keys = a.keys[:0]
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("annotations: expected JSON object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("annotations: non-string key")
		}
		var val string
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("annotations: value for %q: %w", key, err)
		}
		a.Set(key, val)
	}
	// consume closing brace
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
