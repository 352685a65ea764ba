// Package schema infers a relational table layout from ragged JSON records.
//
// The Value Classifier (Classify) maps one JSON value to a storage Kind; the
// Planner walks a sample record and produces a TablePlan tree: one table per
// record level, one child table per nested object or array of objects.
// Nothing here touches a database.
package schema

import "apisync/internal/record"

// Kind is the storage kind of a JSON value.
type Kind int

const (
	// Empty is null, a missing field or an empty sequence.
	Empty Kind = iota
	// Scalar is a boolean, number or string.
	Scalar
	// Object is a nested record; it becomes a child table.
	Object
	// ArrayOfObject is a sequence whose first element is a record; it
	// becomes a child table with one row per element.
	ArrayOfObject
	// ArrayOfScalar is any other non-empty sequence; it is stored as one
	// serialized text column on the owning table.
	ArrayOfScalar
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Scalar:
		return "scalar"
	case Object:
		return "object"
	case ArrayOfObject:
		return "array_of_object"
	case ArrayOfScalar:
		return "array_of_scalar"
	default:
		return "unknown"
	}
}

// Nested reports whether values of this kind live in a child table.
func (k Kind) Nested() bool { return k == Object || k == ArrayOfObject }

// WideType is the column type a value of this kind is stored as, or "" for
// kinds that produce a child table instead of a column.
func (k Kind) WideType() string {
	if k.Nested() {
		return ""
	}
	return MaxText
}

// Classify returns the storage kind of v.
func Classify(v any) Kind {
	switch t := v.(type) {
	case nil:
		return Empty
	case []any:
		if len(t) == 0 {
			return Empty
		}
		if _, ok := record.AsRecord(t[0]); ok {
			return ArrayOfObject
		}
		return ArrayOfScalar
	case []record.Record:
		if len(t) == 0 {
			return Empty
		}
		return ArrayOfObject
	case map[string]any, record.Record:
		return Object
	default:
		return Scalar
	}
}

// Elements returns the child records carried by a nested value: the object
// itself for Object, every object element for ArrayOfObject (non-object
// elements are skipped), nil otherwise.
func Elements(v any) []record.Record {
	switch Classify(v) {
	case Object:
		r, _ := record.AsRecord(v)
		return []record.Record{r}
	case ArrayOfObject:
		if rs, ok := v.([]record.Record); ok {
			return rs
		}
		items := v.([]any)
		out := make([]record.Record, 0, len(items))
		for _, e := range items {
			if r, ok := record.AsRecord(e); ok {
				out = append(out, r)
			}
		}
		return out
	default:
		return nil
	}
}
