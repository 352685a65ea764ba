package multitable

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"apisync/internal/record"
	"apisync/internal/schema"
	"apisync/internal/storage"
)

// KeylessPolicy decides how a child row with no identity, correlation or
// value field is matched on re-sync.
type KeylessPolicy string

const (
	// KeylessCorrelate matches child rows by correlation key when present,
	// else inserts. Object (1:1) children still match by fk_id alone.
	KeylessCorrelate KeylessPolicy = "correlate"

	// KeylessHash matches keyless child rows by (fk_id, row_hash), where
	// row_hash covers the row's simple fields.
	KeylessHash KeylessPolicy = "hash"

	// KeylessInsert always inserts keyless child rows.
	KeylessInsert KeylessPolicy = "insert"
)

// ParseKeylessPolicy parses a configured policy name. "" means
// KeylessCorrelate.
func ParseKeylessPolicy(s string) (KeylessPolicy, error) {
	switch p := KeylessPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return KeylessCorrelate, nil
	case KeylessCorrelate, KeylessHash, KeylessInsert:
		return p, nil
	default:
		return "", fmt.Errorf("multitable: unknown keyless child policy %q (want correlate|hash|insert)", s)
	}
}

// RowError is a recoverable failure to write one row.
type RowError struct {
	Table string
	Key   string // resolved key as col=value pairs, "" when the row had none
	Err   error
}

func (e *RowError) Error() string {
	key := e.Key
	if key == "" {
		key = "<none>"
	}
	return fmt.Sprintf("multitable: row table=%s key=%s: %v", e.Table, key, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Tally counts row writes across every table touched by an upsert.
type Tally struct {
	Inserted    int
	Updated     int
	ChildFailed int
}

func (t *Tally) add(o Tally) {
	t.Inserted += o.Inserted
	t.Updated += o.Updated
	t.ChildFailed += o.ChildFailed
}

// Upserter writes one record and its nested rows inside a transaction.
//
// Columns are filtered against Catalog, the snapshot taken after
// reconciliation; fields without a live column are dropped and logged once
// per table and column.
type Upserter struct {
	Naming  schema.Naming
	Keyless KeylessPolicy
	Catalog storage.Catalog

	// NewID generates surrogate ids. Nil means uuid.NewString.
	NewID func() string

	// Fatal reports connection-level errors that must abort the batch.
	// Nil means storage.IsConnError.
	Fatal func(error) bool

	Logger Logger
	Debug  bool

	// Tally, if set, receives row counts.
	Tally *Tally

	dropped map[string]bool
}

// Upsert inserts or updates rec in table and recurses into its nested
// fields. parentID is "" for root rows; child rows get it as fk_id.
//
// It returns the written row's id, or "" when the row has none to link
// children to. A *RowError means the row was not written; any other error is
// fatal for the transaction.
func (u *Upserter) Upsert(ctx context.Context, tx storage.Tx, rec record.Record, table, parentID string) (string, error) {
	return u.upsert(ctx, tx, rec, table, parentID, false)
}

type nestedField struct {
	field string
	kind  schema.Kind
	value any
}

func (u *Upserter) upsert(ctx context.Context, tx storage.Tx, rec record.Record, table, parentID string, single bool) (string, error) {
	naming := u.Naming.WithDefaults()
	logf := orDiscard(u.Logger).Printf

	if !u.Catalog.HasTable(table) {
		return "", &RowError{Table: table, Err: fmt.Errorf("table not in catalog")}
	}

	var (
		fields  []storage.Field
		nested  []nestedField
		seen    = make(map[string]bool, len(rec))
		idValue string
		hasID   bool
	)
	for _, k := range rec.Keys() {
		v := rec[k]
		kind := schema.Classify(v)
		if kind.Nested() {
			nested = append(nested, nestedField{field: k, kind: kind, value: v})
			continue
		}
		col := naming.Column(k)
		if col == schema.IDColumn {
			if !hasID {
				idValue, hasID = record.KeyText(v)
			}
			continue
		}
		fc := schema.FoldName(col)
		if seen[fc] {
			continue
		}
		seen[fc] = true

		var val any
		if kind != schema.Empty {
			if s, ok := record.Text(v); ok {
				val = s
			}
		}
		fields = append(fields, storage.Field{Column: col, Value: val})
	}
	if parentID != "" {
		fields = append(fields, storage.Field{Column: schema.FKColumn, Value: parentID})
	}
	fields = u.liveFields(table, fields, logf)

	if parentID != "" && u.Catalog.HasColumn(table, schema.RowHashColumn) {
		fields = append(fields, storage.Field{Column: schema.RowHashColumn, Value: rowHash(fields)})
	}

	hasIDCol := u.Catalog.HasColumn(table, schema.IDColumn)
	key, identityKey := u.resolveKey(naming, table, fields, idValue, hasID && hasIDCol, parentID, single)

	rowID, err := u.write(ctx, tx, table, fields, key, identityKey, idValue, hasIDCol, parentID)
	if err != nil {
		return "", err
	}
	if u.Debug {
		logf("stage=upsert table=%s id=%s key=%s status=ok", table, rowID, describeKey(key))
	}
	if rowID == "" {
		return "", nil
	}

	for _, n := range nested {
		child := naming.ChildTable(table, n.field)
		if !u.Catalog.HasTable(child) {
			if u.Debug {
				logf("stage=upsert table=%s status=skipped reason=not_in_catalog", child)
			}
			continue
		}
		for _, e := range schema.Elements(n.value) {
			if e.IsEmpty() {
				continue
			}
			if _, err := u.upsert(ctx, tx, e, child, rowID, n.kind == schema.Object); err != nil {
				if u.fatal(err) {
					return rowID, err
				}
				u.count().ChildFailed++
				logf("stage=upsert table=%s parent=%s status=child_failed err=%v", child, rowID, err)
			}
		}
	}
	return rowID, nil
}

// resolveKey picks the lookup key in fixed priority order: identity,
// correlation field, then the child-row rules. identity reports whether the
// key is the id column.
func (u *Upserter) resolveKey(naming schema.Naming, table string, fields []storage.Field, idValue string, hasID bool, parentID string, single bool) (key []storage.Field, identity bool) {
	if hasID {
		return []storage.Field{{Column: schema.IDColumn, Value: idValue}}, true
	}

	corrCol := naming.Column(naming.CorrelationField)
	if v, ok := fieldValue(fields, corrCol); ok {
		if s, _ := v.(string); strings.TrimSpace(s) != "" {
			return []storage.Field{{Column: corrCol, Value: s}}, false
		}
	}

	if parentID == "" || !u.Catalog.HasColumn(table, schema.FKColumn) {
		return nil, false
	}
	fk := storage.Field{Column: schema.FKColumn, Value: parentID}

	valCol := naming.Column(naming.ValueField)
	if v, ok := fieldValue(fields, valCol); ok && v != nil {
		return []storage.Field{fk, {Column: valCol, Value: v}}, false
	}
	if single {
		return []storage.Field{fk}, false
	}
	if u.Keyless == KeylessHash {
		if v, ok := fieldValue(fields, schema.RowHashColumn); ok {
			return []storage.Field{fk, {Column: schema.RowHashColumn, Value: v}}, false
		}
	}
	return nil, false
}

func (u *Upserter) write(ctx context.Context, tx storage.Tx, table string, fields, key []storage.Field, identityKey bool, idValue string, hasIDCol bool, parentID string) (string, error) {
	if len(key) > 0 {
		id, found, err := tx.FindRow(ctx, table, key)
		if err != nil {
			return "", u.rowErr(table, key, fmt.Errorf("lookup: %w", err))
		}
		if found {
			if set := withoutColumns(fields, key); len(set) > 0 {
				if _, err := tx.Update(ctx, table, set, key); err != nil {
					return "", u.rowErr(table, key, fmt.Errorf("update: %w", err))
				}
			}
			u.count().Updated++
			if id == "" && identityKey {
				id = idValue
			}
			return id, nil
		}
	}

	rowID := idValue
	if !identityKey {
		rowID = u.newID()
	}
	ins := fields
	if hasIDCol {
		ins = make([]storage.Field, 0, len(fields)+1)
		ins = append(ins, storage.Field{Column: schema.IDColumn, Value: rowID})
		ins = append(ins, fields...)
	} else {
		rowID = ""
	}

	insErr := tx.Insert(ctx, table, ins)
	if insErr == nil {
		u.count().Inserted++
		return rowID, nil
	}
	if u.fatal(insErr) {
		return "", fmt.Errorf("multitable: insert %s: %w", table, insErr)
	}

	id, ok, err := u.retryAsUpdate(ctx, tx, table, fields, key, parentID)
	if err != nil && u.fatal(err) {
		return "", fmt.Errorf("multitable: retry update %s: %w", table, err)
	}
	if !ok {
		return "", &RowError{Table: table, Key: describeKey(key), Err: insErr}
	}
	u.count().Updated++
	return id, nil
}

// retryAsUpdate handles an insert that lost a race with another writer or
// hit a constraint. With a resolved key it updates the row by that key. A
// keyless row is matched by equality on its non-fk_id fields and claimed by
// id: a row already under parentID first, then an unlinked one (fk_id NULL).
// Rows linked to another parent are never touched.
func (u *Upserter) retryAsUpdate(ctx context.Context, tx storage.Tx, table string, fields, key []storage.Field, parentID string) (string, bool, error) {
	if len(key) == 0 {
		return u.claimKeyless(ctx, tx, table, fields, parentID)
	}

	set := withoutColumns(fields, key)
	if len(set) == 0 {
		set = key
	}
	n, err := tx.Update(ctx, table, set, key)
	if err != nil || n == 0 {
		return "", false, err
	}
	id, found, err := tx.FindRow(ctx, table, key)
	if err != nil || !found {
		return "", false, err
	}
	return id, true, nil
}

func (u *Upserter) claimKeyless(ctx context.Context, tx storage.Tx, table string, fields []storage.Field, parentID string) (string, bool, error) {
	match := withoutColumns(fields, []storage.Field{{Column: schema.FKColumn}})
	if len(match) == 0 || !u.Catalog.HasColumn(table, schema.IDColumn) {
		return "", false, nil
	}

	linked := parentID != "" && u.Catalog.HasColumn(table, schema.FKColumn)
	var candidates [][]storage.Field
	if linked {
		candidates = [][]storage.Field{
			append(append([]storage.Field(nil), match...), storage.Field{Column: schema.FKColumn, Value: parentID}),
			append(append([]storage.Field(nil), match...), storage.Field{Column: schema.FKColumn, Value: nil}),
		}
	} else {
		candidates = [][]storage.Field{match}
	}

	for _, where := range candidates {
		id, found, err := tx.FindRow(ctx, table, where)
		if err != nil {
			return "", false, err
		}
		if !found || id == "" {
			continue
		}
		set := match
		if linked {
			set = []storage.Field{{Column: schema.FKColumn, Value: parentID}}
		}
		n, err := tx.Update(ctx, table, set, []storage.Field{{Column: schema.IDColumn, Value: id}})
		if err != nil || n == 0 {
			return "", false, err
		}
		return id, true, nil
	}
	return "", false, nil
}

// liveFields drops fields whose column is not in the catalog.
func (u *Upserter) liveFields(table string, fields []storage.Field, logf func(string, ...any)) []storage.Field {
	out := fields[:0]
	for _, f := range fields {
		if u.Catalog.HasColumn(table, f.Column) {
			out = append(out, f)
			continue
		}
		if u.dropped == nil {
			u.dropped = make(map[string]bool)
		}
		k := schema.FoldName(table) + "\x00" + schema.FoldName(f.Column)
		if !u.dropped[k] {
			u.dropped[k] = true
			logf("stage=upsert table=%s column=%s status=dropped reason=not_in_catalog", table, f.Column)
		}
	}
	return out
}

func (u *Upserter) rowErr(table string, key []storage.Field, err error) error {
	if u.fatal(err) {
		return fmt.Errorf("multitable: %s: %w", table, err)
	}
	return &RowError{Table: table, Key: describeKey(key), Err: err}
}

func (u *Upserter) fatal(err error) bool {
	if err == nil {
		return false
	}
	if u.Fatal != nil {
		return u.Fatal(err)
	}
	return storage.IsConnError(err)
}

func (u *Upserter) newID() string {
	if u.NewID != nil {
		return u.NewID()
	}
	return uuid.NewString()
}

func (u *Upserter) count() *Tally {
	if u.Tally == nil {
		u.Tally = &Tally{}
	}
	return u.Tally
}

// rowHash hashes every field except fk_id, by column name.
func rowHash(fields []storage.Field) string {
	r := make(record.Record, len(fields))
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Column == schema.FKColumn {
			continue
		}
		r[f.Column] = f.Value
		cols = append(cols, f.Column)
	}
	sort.Strings(cols)
	return record.Hash(r, cols)
}

func fieldValue(fields []storage.Field, col string) (any, bool) {
	fc := schema.FoldName(col)
	for _, f := range fields {
		if schema.FoldName(f.Column) == fc {
			return f.Value, true
		}
	}
	return nil, false
}

func withoutColumns(fields, drop []storage.Field) []storage.Field {
	out := make([]storage.Field, 0, len(fields))
next:
	for _, f := range fields {
		fc := schema.FoldName(f.Column)
		for _, d := range drop {
			if schema.FoldName(d.Column) == fc {
				continue next
			}
		}
		out = append(out, f)
	}
	return out
}

func describeKey(key []storage.Field) string {
	parts := make([]string, 0, len(key))
	for _, f := range key {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Column, f.Value))
	}
	return strings.Join(parts, ",")
}
