package schema

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Column names the engine owns.
const (
	IDColumn      = "id"
	FKColumn      = "fk_id"
	RowHashColumn = "row_hash"

	// sourceIDColumn receives a payload field literally named "id" when the
	// identity is carried by a different field.
	sourceIDColumn = "source_id"
)

// DefaultRename maps payload fields that collide with the engine's control
// vocabulary to safe column names. _id is the upstream store's own key; it
// is kept as data, never matched as a row key.
var DefaultRename = map[string]string{
	"kill":  "kill_flag",
	"fk_id": "fk_id_src",
	"_id":   "_id_src",
}

// Naming maps payload field names to table and column names.
type Naming struct {
	// IdentityField is the payload field stored as the id column.
	// Matched case-insensitively. Empty means "id".
	IdentityField string

	// CorrelationField is a secondary de-duplication key. Empty means "__id".
	CorrelationField string

	// ValueField pairs with fk_id as the key of identity-less child rows.
	// Empty means "value".
	ValueField string

	// Rename is applied case-insensitively after NFC normalization.
	// Nil means DefaultRename.
	Rename map[string]string
}

// DefaultNaming returns the naming used by the existing tables.
func DefaultNaming() Naming {
	return Naming{
		IdentityField:    "id",
		CorrelationField: "__id",
		ValueField:       "value",
		Rename:           DefaultRename,
	}
}

// WithDefaults fills empty settings from DefaultNaming.
func (n Naming) WithDefaults() Naming {
	d := DefaultNaming()
	if n.IdentityField == "" {
		n.IdentityField = d.IdentityField
	}
	if n.CorrelationField == "" {
		n.CorrelationField = d.CorrelationField
	}
	if n.ValueField == "" {
		n.ValueField = d.ValueField
	}
	if n.Rename == nil {
		n.Rename = d.Rename
	}
	return n
}

// IsIdentity reports whether field carries the row identity.
func (n Naming) IsIdentity(field string) bool {
	id := n.IdentityField
	if id == "" {
		id = IDColumn
	}
	return FoldName(norm.NFC.String(field)) == FoldName(id)
}

// Column returns the column name for a payload field.
func (n Naming) Column(field string) string {
	if n.IsIdentity(field) {
		return IDColumn
	}
	f := norm.NFC.String(field)
	folded := FoldName(f)
	if folded == IDColumn {
		return sourceIDColumn
	}
	rename := n.Rename
	if rename == nil {
		rename = DefaultRename
	}
	for from, to := range rename {
		if FoldName(from) == folded {
			return to
		}
	}
	return f
}

// ChildTable is the child table name for a nested field: {parent}_{field}.
func (n Naming) ChildTable(parent, field string) string {
	return parent + "_" + norm.NFC.String(field)
}

// FoldName case-folds an identifier for case-insensitive comparison, the way
// SQL Server's default collation compares table and column names.
func FoldName(s string) string {
	return cases.Fold().String(s)
}
