// Package conflict implements field-level conflict detection and resolution
// between a queued local edit and the server's current version of the same
// entity.
//
// Detection is structural: local and server records are compared field by
// field after JSON normalization, so 5 and 5.0 are equal, and a null field
// is equal to an absent one. Resolution produces a final record written
// back to the local store and, for local/merged outcomes, re-submitted to
// the server as a fresh update mutation.
package conflict

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/shelfsync/shelfsync/internal/entity"
)

// engineFields are bookkeeping keys excluded from conflict comparison:
// id never changes, and updated_at differing is the trigger, not a conflict.
var engineFields = map[string]bool{
	"id":         true,
	"updated_at": true,
	"created_at": true,
}

// DiffFields returns the sorted set of keys whose JSON-normalized values
// differ between the local and server records. A nil value and an absent
// key are treated as equivalent.
func DiffFields(local, server entity.Record) []string {
	keys := make(map[string]bool, len(local)+len(server))
	for k := range local {
		keys[k] = true
	}
	for k := range server {
		keys[k] = true
	}

	var fields []string
	for k := range keys {
		if engineFields[k] {
			continue
		}
		if !equalNormalized(local[k], server[k]) {
			fields = append(fields, k)
		}
	}

	sort.Strings(fields)
	return fields
}

// equalNormalized compares two values after JSON normalization.
func equalNormalized(a, b any) bool {
	na := normalize(a)
	nb := normalize(b)
	if na == nil && nb == nil {
		return true
	}
	return reflect.DeepEqual(na, nb)
}

// normalize round-trips a value through JSON so that equality is by wire
// representation: all numbers become float64, typed nils become untyped
// nil, and nested structures become map[string]any / []any.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Non-serializable values never came off the wire; compare as-is.
		return v
	}
	if string(data) == "null" {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
