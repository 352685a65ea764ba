package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Text renders a scalar (or scalar sequence) as the text stored in a wide
// column. ok=false means SQL NULL.
//
// Rules:
//   - strings and json.Number are kept verbatim
//   - floats are formatted without exponent
//   - booleans become "1"/"0", the encoding rows written by the legacy jobs use
//   - sequences are serialized as compact JSON without HTML escaping
//   - objects are serialized as JSON too, so a value never silently vanishes
func Text(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "1", true
		}
		return "0", true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case []byte:
		return string(t), true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case []any, map[string]any, Record:
		s, err := marshalCompact(t)
		if err != nil {
			return fmt.Sprint(t), true
		}
		return s, true
	default:
		return fmt.Sprint(t), true
	}
}

// KeyText is Text for identity values: surrounding whitespace is trimmed and
// an empty result counts as absent.
func KeyText(v any) (string, bool) {
	s, ok := Text(v)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func marshalCompact(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
