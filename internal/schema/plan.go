package schema

import (
	"sort"

	"apisync/internal/record"
)

// ColumnPlan is one planned column.
type ColumnPlan struct {
	Name       string `json:"name"`
	Field      string `json:"field,omitempty"` // source payload field, "" for synthesized columns
	WideType   string `json:"wide_type"`
	IsIdentity bool   `json:"is_identity,omitempty"`
}

// ChildPlan links a nested payload field to the table planned for it.
type ChildPlan struct {
	Field string     `json:"field"`
	Kind  Kind       `json:"kind"`
	Plan  *TablePlan `json:"plan"`
}

// TablePlan is the inferred layout of one table and its nested child tables.
//
// Columns always start with the identity column (id); child tables carry
// fk_id second.
type TablePlan struct {
	Name     string       `json:"name"`
	Columns  []ColumnPlan `json:"columns"`
	Children []ChildPlan  `json:"children,omitempty"`
}

// ColumnNames returns the planned column names in plan order.
func (p *TablePlan) ColumnNames() []string {
	out := make([]string, 0, len(p.Columns))
	for _, c := range p.Columns {
		out = append(out, c.Name)
	}
	return out
}

// Walk calls fn for p and every descendant, parents before children.
func (p *TablePlan) Walk(fn func(*TablePlan)) {
	if p == nil {
		return
	}
	fn(p)
	for _, c := range p.Children {
		c.Plan.Walk(fn)
	}
}

// Tables returns every table name in the tree, parents first.
func (p *TablePlan) Tables() []string {
	var out []string
	p.Walk(func(t *TablePlan) { out = append(out, t.Name) })
	return out
}

// Planner turns sample records into TablePlans. The zero value plans with
// DefaultNaming and MaxText columns.
type Planner struct {
	Naming Naming
	Types  Types

	// RowHash adds a row_hash column to every child table, for keyless child
	// rows de-duplicated by content.
	RowHash bool
}

// Plan returns the plan for table from one sample record, or nil if there is
// nothing to plan (empty sample). Plan does not modify sample.
func (p *Planner) Plan(table string, sample record.Record) *TablePlan {
	return p.plan(table, sample, false)
}

type plannedField struct {
	field  string
	column string
	kind   Kind
	value  any
}

func (p *Planner) plan(table string, sample record.Record, child bool) *TablePlan {
	if len(sample) == 0 {
		return nil
	}
	naming := p.Naming.WithDefaults()

	fields := make([]plannedField, 0, len(sample))
	for _, k := range sample.Keys() {
		v := sample[k]
		fields = append(fields, plannedField{field: k, column: naming.Column(k), kind: Classify(v), value: v})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].column < fields[j].column })

	tp := &TablePlan{Name: table}
	seen := make(map[string]bool, len(fields)+2)
	add := func(c ColumnPlan) {
		key := FoldName(c.Name)
		if seen[key] {
			return
		}
		seen[key] = true
		tp.Columns = append(tp.Columns, c)
	}

	idCol := ColumnPlan{Name: IDColumn, WideType: KeyType, IsIdentity: true}
	for _, f := range fields {
		if f.column == IDColumn && !f.kind.Nested() {
			idCol.Field = f.field
			break
		}
	}
	add(idCol)
	if child {
		add(ColumnPlan{Name: FKColumn, WideType: KeyType})
	}

	var (
		childOrder []string
		children   = make(map[string]*ChildPlan)
		samples    = make(map[string]record.Record)
	)
	for _, f := range fields {
		if !f.kind.Nested() {
			add(ColumnPlan{Name: f.column, Field: f.field, WideType: p.Types.For(f.field, f.kind)})
			continue
		}
		name := naming.ChildTable(table, f.field)
		key := FoldName(name)
		cp, ok := children[key]
		if !ok {
			cp = &ChildPlan{Field: f.field, Kind: f.kind}
			children[key] = cp
			samples[key] = record.Record{}
			childOrder = append(childOrder, key)
		} else if f.kind == ArrayOfObject {
			cp.Kind = ArrayOfObject
		}
		for _, e := range Elements(f.value) {
			MergeSample(samples[key], e)
		}
	}
	if child && p.RowHash {
		add(ColumnPlan{Name: RowHashColumn, WideType: KeyType})
	}

	for _, key := range childOrder {
		cp := children[key]
		cp.Plan = p.plan(naming.ChildTable(table, cp.Field), samples[key], true)
		if cp.Plan != nil {
			tp.Children = append(tp.Children, *cp)
		}
	}
	return tp
}

// MergeSample folds src into dst so dst holds the union of both records'
// fields. A field missing from one side keeps the other side's value; a null
// is replaced by any non-null value; nested objects merge recursively and
// arrays of objects collapse to one element holding the union of all
// elements. On a kind conflict the first non-empty kind wins, except that an
// object and an array of objects merge as an array.
//
// dst is modified; src and the values it references are not.
func MergeSample(dst, src record.Record) {
	for k, v := range src {
		cur, ok := dst[k]
		if !ok {
			dst[k] = cloneSample(v)
			continue
		}
		ck, vk := Classify(cur), Classify(v)
		switch {
		case ck == Empty && vk != Empty:
			dst[k] = cloneSample(v)
		case ck == Object && vk == Object:
			r, _ := record.AsRecord(cur)
			s, _ := record.AsRecord(v)
			MergeSample(r, s)
		case ck.Nested() && vk.Nested():
			merged := unionOf(cur)
			for _, e := range Elements(v) {
				MergeSample(merged, e)
			}
			dst[k] = []any{merged}
		}
	}
}

// cloneSample copies the containers MergeSample may later write into.
func cloneSample(v any) any {
	switch Classify(v) {
	case Object:
		out := record.Record{}
		r, _ := record.AsRecord(v)
		MergeSample(out, r)
		return out
	case ArrayOfObject:
		return []any{unionOf(v)}
	default:
		return v
	}
}

func unionOf(v any) record.Record {
	out := record.Record{}
	for _, e := range Elements(v) {
		MergeSample(out, e)
	}
	return out
}
