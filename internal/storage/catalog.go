package storage

import (
	"sort"

	"apisync/internal/schema"
)

// Catalog is a point-in-time snapshot of table -> columns. Names compare
// case-insensitively.
type Catalog struct {
	tables map[string]*tableEntry
}

type tableEntry struct {
	name    string
	columns map[string]string // folded -> as stored
	order   []string
}

// NewCatalog returns an empty snapshot.
func NewCatalog() Catalog { return Catalog{tables: map[string]*tableEntry{}} }

// Add records column on table; an empty column registers the table only.
func (c *Catalog) Add(table, column string) {
	if c.tables == nil {
		c.tables = map[string]*tableEntry{}
	}
	key := schema.FoldName(table)
	te := c.tables[key]
	if te == nil {
		te = &tableEntry{name: table, columns: map[string]string{}}
		c.tables[key] = te
	}
	if column == "" {
		return
	}
	ck := schema.FoldName(column)
	if _, ok := te.columns[ck]; ok {
		return
	}
	te.columns[ck] = column
	te.order = append(te.order, column)
}

// SetTable replaces the column set of table.
func (c *Catalog) SetTable(table string, columns []string) {
	if c.tables == nil {
		c.tables = map[string]*tableEntry{}
	}
	delete(c.tables, schema.FoldName(table))
	c.Add(table, "")
	for _, col := range columns {
		c.Add(table, col)
	}
}

// HasTable reports whether table exists.
func (c Catalog) HasTable(table string) bool {
	_, ok := c.tables[schema.FoldName(table)]
	return ok
}

// HasColumn reports whether table has column.
func (c Catalog) HasColumn(table, column string) bool {
	te := c.tables[schema.FoldName(table)]
	if te == nil {
		return false
	}
	_, ok := te.columns[schema.FoldName(column)]
	return ok
}

// Columns returns the columns of table in catalog order.
func (c Catalog) Columns(table string) []string {
	te := c.tables[schema.FoldName(table)]
	if te == nil {
		return nil
	}
	return append([]string(nil), te.order...)
}

// Tables returns the table names, sorted.
func (c Catalog) Tables() []string {
	out := make([]string, 0, len(c.tables))
	for _, te := range c.tables {
		out = append(out, te.name)
	}
	sort.Strings(out)
	return out
}
