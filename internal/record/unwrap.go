package record

// DefaultWrapperKey is the envelope key the source APIs hide payloads under.
const DefaultWrapperKey = "data"

// UnwrapOptions controls how Unwrap turns a decoded payload into records.
type UnwrapOptions struct {
	// WrapperKey is the envelope field to descend into. Empty means "data".
	WrapperKey string

	// Keyed treats an object whose values are all objects as a collection
	// keyed by id ({"123": {...}, "124": {...}}) and returns its values in
	// key order.
	Keyed bool
}

// Unwrap converts a decoded JSON payload into the list of top-level records.
//
//   - a sequence yields each object element, in order; non-objects are dropped
//   - an object holding the wrapper key with an object or sequence value is
//     unwrapped recursively
//   - with Keyed, an object of objects yields its values
//   - any other object is a single record
//   - anything else yields nil
func Unwrap(v any, opts UnwrapOptions) []Record {
	key := opts.WrapperKey
	if key == "" {
		key = DefaultWrapperKey
	}
	return unwrap(v, key, opts.Keyed)
}

func unwrap(v any, key string, keyed bool) []Record {
	switch t := v.(type) {
	case []any:
		out := make([]Record, 0, len(t))
		for _, e := range t {
			if r, ok := AsRecord(e); ok {
				out = append(out, r)
			}
		}
		return out
	case []Record:
		return t
	}

	r, ok := AsRecord(v)
	if !ok {
		return nil
	}
	if inner, ok := r[key]; ok {
		switch inner.(type) {
		case []any, map[string]any, Record:
			return unwrap(inner, key, keyed)
		}
	}
	if keyed && isKeyedCollection(r) {
		keys := r.Keys()
		out := make([]Record, 0, len(keys))
		for _, k := range keys {
			child, _ := AsRecord(r[k])
			out = append(out, child)
		}
		return out
	}
	return []Record{r}
}

func isKeyedCollection(r Record) bool {
	if len(r) == 0 {
		return false
	}
	for _, v := range r {
		if _, ok := AsRecord(v); !ok {
			return false
		}
	}
	return true
}
