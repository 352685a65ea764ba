package record

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const hashSeparator = "\x1f"

// Hash computes a deterministic SHA-256 over the given fields of r and returns
// it as lowercase hex (64 chars).
//
// Canonical form: "name=value" components joined by the ASCII unit separator,
// in the given order. Missing or nil values are a single NUL byte so a
// missing field differs from an empty string.
func Hash(r Record, fields []string) string {
	var b strings.Builder
	b.Grow(len(fields) * 20)

	for i, f := range fields {
		if i > 0 {
			b.WriteString(hashSeparator)
		}
		b.WriteString(f)
		b.WriteByte('=')

		s, ok := Text(r[f])
		if !ok {
			b.WriteByte('\x00')
			continue
		}
		b.WriteString(s)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
