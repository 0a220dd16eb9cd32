// Package docstore provides the document store adapter used by the task
// synchronization core.
//
// A document is a flat set of named fields stored under a single key. The
// adapter exposes live subscriptions, one-shot reads and a small set of
// atomic array mutations on one field of one document. It carries no
// business logic: the meaning of the array elements belongs to callers.
//
// Backends live in sub-packages:
//
//   - memstore: in-memory, for tests and demos
//   - sqlitestore: embedded SQLite (WAL) with cross-process change detection
//   - mongostore: MongoDB with change streams
//   - wsstore: websocket client for the docserver package
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Element is one entry of an array field. Elements are compared by value:
// two elements are equal when their canonical JSON encodings are equal.
type Element map[string]any

// Snapshot is a complete, authoritative copy of a document at one revision.
type Snapshot struct {
	Key      string         `json:"key"`
	Exists   bool           `json:"exists"`
	Revision int64          `json:"revision"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Array returns the named field as a slice of elements.
// A missing field is an empty array; a field of another type is ErrFieldType.
func (s Snapshot) Array(field string) ([]Element, error) {
	raw, ok := s.Fields[field]
	if !ok || raw == nil {
		return []Element{}, nil
	}
	return toElements(field, raw)
}

// Listener receives snapshots for a subscription. A non-nil error ends the
// subscription; no further calls follow it.
type Listener func(snap Snapshot, err error)

// Unsubscribe ends a subscription. It is safe to call more than once and
// from inside a Listener.
type Unsubscribe func()

// Store is the document store adapter.
type Store interface {
	// Subscribe registers fn for key. The current document is delivered
	// first, then every committed change in commit order. Intermediate
	// snapshots may be coalesced, never reordered.
	Subscribe(ctx context.Context, key string, fn Listener) (Unsubscribe, error)

	// Read returns the current document once.
	Read(ctx context.Context, key string) (Snapshot, error)

	// ArrayUnion appends element to field unless a value-equal element is
	// already present.
	ArrayUnion(ctx context.Context, key, field string, element Element) error

	// ArrayRemove removes every element of field value-equal to element and
	// reports how many were removed.
	ArrayRemove(ctx context.Context, key, field string, element Element) (int, error)

	// Overwrite replaces field with elements.
	Overwrite(ctx context.Context, key, field string, elements []Element) error

	// RemoveByKey removes the elements whose idField equals id.
	RemoveByKey(ctx context.Context, key, field, idField, id string) (int, error)

	// UpdateByKey sets the given keys on the elements whose idField equals
	// id, leaving their other keys untouched.
	UpdateByKey(ctx context.Context, key, field, idField, id string, changes map[string]any) (int, error)

	// CreateDocument provisions a new document. It is never called by the
	// synchronization core.
	CreateDocument(ctx context.Context, key string, fields map[string]any) error

	// Close releases backend resources and ends all subscriptions.
	Close() error
}

// Canonical returns the canonical JSON encoding of v. encoding/json sorts
// map keys, so equal values always produce equal bytes.
func Canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

// Equal reports whether two elements are value-equal.
func Equal(a, b Element) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

// Normalize round-trips fields through JSON so every backend presents the
// same value shapes (objects as map[string]any, arrays as []any, numbers as
// float64). It also guarantees callers never share memory with the store.
func Normalize(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return out, nil
}

// NormalizeElement is Normalize for a single element.
func NormalizeElement(e Element) (Element, error) {
	m, err := Normalize(e)
	if err != nil {
		return nil, err
	}
	return Element(m), nil
}

func toElements(field string, raw any) ([]Element, error) {
	switch v := raw.(type) {
	case []Element:
		out := make([]Element, len(v))
		copy(out, v)
		return out, nil
	case []map[string]any:
		out := make([]Element, 0, len(v))
		for _, m := range v {
			out = append(out, Element(m))
		}
		return out, nil
	case []any:
		out := make([]Element, 0, len(v))
		for i, item := range v {
			switch m := item.(type) {
			case map[string]any:
				out = append(out, Element(m))
			case Element:
				out = append(out, m)
			default:
				return nil, fmt.Errorf("%w: %s[%d] is %T, not an object", ErrFieldType, field, i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T, not an array", ErrFieldType, field, raw)
	}
}
