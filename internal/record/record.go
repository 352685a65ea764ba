// Package record holds the in-memory shape of one persisted JSON object and
// the helpers every other package uses to read it: unwrapping API envelopes,
// rendering scalar values as column text, and canonical row hashing.
package record

import "sort"

// Record is one JSON object as decoded by encoding/json with UseNumber.
//
// Values are nil, bool, json.Number (or float64/int when built in code),
// string, map[string]any / Record, or []any. The sync core only reads a
// Record; it never changes its shape.
type Record map[string]any

// AsRecord reports whether v is a JSON object and returns it as a Record.
func AsRecord(v any) (Record, bool) {
	switch t := v.(type) {
	case Record:
		return t, true
	case map[string]any:
		return Record(t), true
	default:
		return nil, false
	}
}

// Keys returns the field names in sorted order. Go maps have no order, so
// this is the stable field order used by planning and upserting.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether r has no fields.
func (r Record) IsEmpty() bool { return len(r) == 0 }
