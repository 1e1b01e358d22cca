package entity

import (
	"fmt"
)

// Operation is the kind of mutation a client can queue against an entity.
type Operation string

const (
	// OpCreate creates a new entity; the server assigns the canonical id.
	OpCreate Operation = "create"
	// OpUpdate modifies fields of an existing entity.
	OpUpdate Operation = "update"
)

// ParseOperation validates an operation name from external input.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpCreate:
		return OpCreate, nil
	case OpUpdate:
		return OpUpdate, nil
	}
	return "", fmt.Errorf("unknown operation %q (want create or update)", s)
}

// payloadRule describes the shape a create payload must satisfy for one
// collection. Updates are partial by nature, so only field types are
// enforced there, not presence.
type payloadRule struct {
	// required fields must be present and non-empty on create.
	required []string
	// stringFields must be strings when present.
	stringFields []string
	// numberFields must be JSON numbers when present.
	numberFields []string
}

// payloadRules is the tagged-union schema over the known collections.
// Every collection the engine syncs has an entry; a payload for an unknown
// collection is rejected outright by ValidatePayload.
var payloadRules = map[Kind]payloadRule{
	KindItems: {
		required:     []string{"name"},
		stringFields: []string{"name", "description", "notes", "category_id", "location_id"},
	},
	KindInventory: {
		required:     []string{"item_id"},
		stringFields: []string{"item_id", "location_id", "container_id", "status", "serial_number"},
		numberFields: []string{"quantity"},
	},
	KindLocations: {
		required:     []string{"name"},
		stringFields: []string{"name", "description", "parent_id"},
	},
	KindContainers: {
		required:     []string{"name"},
		stringFields: []string{"name", "label", "location_id", "description"},
	},
	KindCategories: {
		required:     []string{"name"},
		stringFields: []string{"name", "description", "parent_id"},
	},
	KindBorrowers: {
		required:     []string{"name"},
		stringFields: []string{"name", "email", "phone", "notes"},
	},
	KindLoans: {
		required:     []string{"inventory_id", "borrower_id"},
		stringFields: []string{"inventory_id", "borrower_id", "status", "due_at", "returned_at", "notes"},
		numberFields: []string{"quantity"},
	},
}

// ValidatePayload checks a mutation payload against the per-kind schema.
//
// Data errors fail fast here, at enqueue time, rather than surfacing only
// during a later drain. Create payloads must carry every required field;
// update payloads are partial, so only the types of present fields are
// checked. An empty payload is always invalid: it would be a no-op write.
func ValidatePayload(kind Kind, op Operation, payload map[string]any) error {
	rule, ok := payloadRules[kind]
	if !ok {
		return fmt.Errorf("unknown entity collection %q", kind)
	}
	if len(payload) == 0 {
		return fmt.Errorf("empty payload for %s %s", op, kind)
	}

	if op == OpCreate {
		for _, f := range rule.required {
			v, present := payload[f]
			if !present || v == nil {
				return fmt.Errorf("%s create payload missing required field %q", kind, f)
			}
			if s, isStr := v.(string); isStr && s == "" {
				return fmt.Errorf("%s create payload field %q must not be empty", kind, f)
			}
		}
	}

	for _, f := range rule.stringFields {
		v, present := payload[f]
		if !present || v == nil {
			continue
		}
		if _, isStr := v.(string); !isStr {
			return fmt.Errorf("%s payload field %q must be a string (got %T)", kind, f, v)
		}
	}
	for _, f := range rule.numberFields {
		v, present := payload[f]
		if !present || v == nil {
			continue
		}
		switch v.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("%s payload field %q must be a number (got %T)", kind, f, v)
		}
	}

	return nil
}
