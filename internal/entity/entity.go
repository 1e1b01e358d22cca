// Package entity defines the entity collections mirrored by the local store
// and the record/payload shapes that flow through the sync engine.
//
// Records are JSON objects owned by the server. The client never invents
// fields; it mirrors whatever the server returns, keyed by the mandatory
// "id" field, with "updated_at" as the server-assigned version marker.
package entity

import (
	"fmt"
	"sort"
)

// Kind identifies one of the synchronized entity collections.
type Kind string

const (
	KindItems      Kind = "items"
	KindInventory  Kind = "inventory"
	KindLocations  Kind = "locations"
	KindContainers Kind = "containers"
	KindCategories Kind = "categories"
	KindBorrowers  Kind = "borrowers"
	KindLoans      Kind = "loans"
)

// Kinds returns all synchronized collections in a stable order.
//
// The order matters only for deterministic iteration (logging, tests);
// collections are otherwise independent.
func Kinds() []Kind {
	return []Kind{
		KindItems,
		KindInventory,
		KindLocations,
		KindContainers,
		KindCategories,
		KindBorrowers,
		KindLoans,
	}
}

// ParseKind validates a collection name supplied by configuration, the CLI,
// or an edit file.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity collection %q", s)
}

// Record is a single entity as the server represents it: an opaque JSON
// object with a mandatory unique "id" and a server-assigned "updated_at"
// timestamp string.
type Record map[string]any

// ID returns the record's unique identifier, or "" if absent.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// UpdatedAt returns the server-assigned version timestamp, or "" if the
// record has never been acknowledged by the server (optimistic local copy).
func (r Record) UpdatedAt() string {
	ts, _ := r["updated_at"].(string)
	return ts
}

// Clone returns a shallow copy of the record. Field values are JSON
// primitives, slices, or nested maps; callers that mutate nested values
// must copy those themselves.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every field from payload applied on top.
// This is how an update payload is projected onto a baseline record.
func (r Record) Merge(payload map[string]any) Record {
	out := r.Clone()
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// SortedFields returns the record's field names in sorted order.
func (r Record) SortedFields() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
