package schema

const (
	// MaxText is the maximal-width text type every non-key value is stored as.
	MaxText = "NVARCHAR(MAX)"

	// KeyType is used for id, fk_id and row_hash. It is the widest NVARCHAR
	// SQL Server accepts in an index key, so id can be the primary key.
	KeyType = "NVARCHAR(450)"
)

// DefaultSensitiveFields are field names whose values may be arbitrarily long
// ciphertext; they always get MaxText.
var DefaultSensitiveFields = []string{"encrypt", "encrypt_aes"}

// Types decides the column type of non-key fields.
type Types struct {
	// Text is the type for Scalar, Empty and ArrayOfScalar fields.
	// Empty means MaxText.
	Text string

	// Sensitive field names (case-insensitive) are forced to MaxText.
	// Nil means DefaultSensitiveFields.
	Sensitive []string
}

// For returns the column type for field holding a value of kind k.
func (t Types) For(field string, k Kind) string {
	if k.Nested() {
		return ""
	}
	if t.isSensitive(field) {
		return MaxText
	}
	if t.Text == "" {
		return k.WideType()
	}
	return t.Text
}

func (t Types) isSensitive(field string) bool {
	list := t.Sensitive
	if list == nil {
		list = DefaultSensitiveFields
	}
	f := FoldName(field)
	for _, s := range list {
		if FoldName(s) == f {
			return true
		}
	}
	return false
}
