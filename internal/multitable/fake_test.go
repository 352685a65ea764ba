package multitable

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"apisync/internal/schema"
	"apisync/internal/storage"
)

type fakeLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *fakeLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

func (l *fakeLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

type memTable struct {
	name string
	cols []string
	rows []map[string]any // folded column -> value
}

func (t *memTable) clone() *memTable {
	out := &memTable{name: t.name, cols: append([]string(nil), t.cols...)}
	for _, r := range t.rows {
		cp := make(map[string]any, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out.rows = append(out.rows, cp)
	}
	return out
}

func (t *memTable) hasCol(c string) bool {
	for _, x := range t.cols {
		if strings.EqualFold(x, c) {
			return true
		}
	}
	return false
}

// memRepo is an in-memory storage.Repository. Transactions snapshot the
// tables so Rollback and RollbackTo behave like a database.
type memRepo struct {
	mu     sync.Mutex
	tables map[string]*memTable // folded name

	calls []string

	tableColumnsErr func(table string) error
	createErr       func(table string) error
	addColumnErr    func(table, column string) error
	insertErr       func(table string, fields []storage.Field) error
	updateErr       func(table string, set, where []storage.Field) error
	commitErr       error

	commits   int
	rollbacks int
	closed    int
}

func newMemRepo() *memRepo { return &memRepo{tables: map[string]*memTable{}} }

func (r *memRepo) record(format string, v ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, v...))
}

func (r *memRepo) Catalog(ctx context.Context) (storage.Catalog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("catalog")
	c := storage.NewCatalog()
	for _, t := range r.tables {
		c.SetTable(t.name, t.cols)
	}
	return c, nil
}

func (r *memRepo) TableColumns(ctx context.Context, table string) ([]string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("columns %s", table)
	if r.tableColumnsErr != nil {
		if err := r.tableColumnsErr(table); err != nil {
			return nil, false, err
		}
	}
	t := r.tables[schema.FoldName(table)]
	if t == nil {
		return nil, false, nil
	}
	return append([]string(nil), t.cols...), true, nil
}

func (r *memRepo) CreateTable(ctx context.Context, def storage.TableDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("create %s", def.Name)
	if r.createErr != nil {
		if err := r.createErr(def.Name); err != nil {
			return err
		}
	}
	key := schema.FoldName(def.Name)
	if _, ok := r.tables[key]; ok {
		return nil
	}
	t := &memTable{name: def.Name}
	for _, c := range def.Columns {
		t.cols = append(t.cols, c.Name)
	}
	r.tables[key] = t
	return nil
}

func (r *memRepo) AddColumn(ctx context.Context, table string, col storage.ColumnDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("add %s.%s", table, col.Name)
	if r.addColumnErr != nil {
		if err := r.addColumnErr(table, col.Name); err != nil {
			return err
		}
	}
	t := r.tables[schema.FoldName(table)]
	if t == nil {
		return fmt.Errorf("no table %s", table)
	}
	if t.hasCol(col.Name) {
		return fmt.Errorf("column %s already exists", col.Name)
	}
	t.cols = append(t.cols, col.Name)
	return nil
}

func (r *memRepo) Begin(ctx context.Context) (storage.Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("begin")
	return &memTx{repo: r, start: r.snapshot(), savepoints: map[string]map[string]*memTable{}}, nil
}

func (r *memRepo) IsFatal(err error) bool { return storage.IsConnError(err) }

func (r *memRepo) Close() error {
	r.closed++
	return nil
}

func (r *memRepo) snapshot() map[string]*memTable {
	out := make(map[string]*memTable, len(r.tables))
	for k, t := range r.tables {
		out[k] = t.clone()
	}
	return out
}

func (r *memRepo) hasDDL() bool {
	for _, c := range r.calls {
		if strings.HasPrefix(c, "create ") || strings.HasPrefix(c, "add ") {
			return true
		}
	}
	return false
}

// rows returns the rows of table with values keyed by folded column.
func (r *memRepo) rows(table string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[schema.FoldName(table)]
	if t == nil {
		return nil
	}
	return t.clone().rows
}

func (r *memRepo) columns(table string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[schema.FoldName(table)]
	if t == nil {
		return nil
	}
	return append([]string(nil), t.cols...)
}

type memTx struct {
	repo       *memRepo
	start      map[string]*memTable
	savepoints map[string]map[string]*memTable
	done       bool
}

func matches(row map[string]any, key []storage.Field) bool {
	for _, f := range key {
		v, ok := row[schema.FoldName(f.Column)]
		if !ok {
			v = nil
		}
		if f.Value == nil {
			if v != nil {
				return false
			}
			continue
		}
		if v == nil || fmt.Sprint(v) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

func (tx *memTx) table(name string) (*memTable, error) {
	t := tx.repo.tables[schema.FoldName(name)]
	if t == nil {
		return nil, fmt.Errorf("no such table: %s", name)
	}
	return t, nil
}

func (tx *memTx) checkCols(t *memTable, fields []storage.Field) error {
	for _, f := range fields {
		if !t.hasCol(f.Column) {
			return fmt.Errorf("no such column: %s.%s", t.name, f.Column)
		}
	}
	return nil
}

func (tx *memTx) FindRow(ctx context.Context, table string, key []storage.Field) (string, bool, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if tx.done {
		return "", false, fmtTxDone()
	}
	t, err := tx.table(table)
	if err != nil {
		return "", false, err
	}
	for _, row := range t.rows {
		if matches(row, key) {
			id, _ := row[schema.IDColumn].(string)
			return id, true, nil
		}
	}
	return "", false, nil
}

func (tx *memTx) Insert(ctx context.Context, table string, fields []storage.Field) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if tx.done {
		return fmtTxDone()
	}
	tx.repo.record("insert %s", table)
	if tx.repo.insertErr != nil {
		if err := tx.repo.insertErr(table, fields); err != nil {
			return err
		}
	}
	t, err := tx.table(table)
	if err != nil {
		return err
	}
	if err := tx.checkCols(t, fields); err != nil {
		return err
	}
	row := map[string]any{}
	for _, f := range fields {
		row[schema.FoldName(f.Column)] = f.Value
	}
	if id, ok := row[schema.IDColumn]; ok {
		for _, existing := range t.rows {
			if existing[schema.IDColumn] == id {
				return fmt.Errorf("UNIQUE constraint failed: %s.id", table)
			}
		}
	}
	t.rows = append(t.rows, row)
	return nil
}

func (tx *memTx) Update(ctx context.Context, table string, set, where []storage.Field) (int64, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if tx.done {
		return 0, fmtTxDone()
	}
	tx.repo.record("update %s", table)
	if tx.repo.updateErr != nil {
		if err := tx.repo.updateErr(table, set, where); err != nil {
			return 0, err
		}
	}
	t, err := tx.table(table)
	if err != nil {
		return 0, err
	}
	if err := tx.checkCols(t, append(append([]storage.Field(nil), set...), where...)); err != nil {
		return 0, err
	}
	var n int64
	for _, row := range t.rows {
		if !matches(row, where) {
			continue
		}
		for _, f := range set {
			row[schema.FoldName(f.Column)] = f.Value
		}
		n++
	}
	return n, nil
}

func (tx *memTx) Savepoint(ctx context.Context, name string) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.savepoints[name] = tx.repo.snapshot()
	return nil
}

func (tx *memTx) RollbackTo(ctx context.Context, name string) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.record("rollback_to %s", name)
	sp, ok := tx.savepoints[name]
	if !ok {
		return fmt.Errorf("no such savepoint: %s", name)
	}
	tx.repo.tables = sp
	tx.savepoints[name] = tx.repo.snapshot()
	return nil
}

func (tx *memTx) Release(ctx context.Context, name string) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	delete(tx.savepoints, name)
	return nil
}

func (tx *memTx) Commit() error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if tx.done {
		return fmtTxDone()
	}
	tx.done = true
	if tx.repo.commitErr != nil {
		tx.repo.tables = tx.start
		return tx.repo.commitErr
	}
	tx.repo.commits++
	return nil
}

func (tx *memTx) Rollback() error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if tx.done {
		return fmtTxDone()
	}
	tx.done = true
	tx.repo.tables = tx.start
	tx.repo.rollbacks++
	return nil
}

func fmtTxDone() error { return fmt.Errorf("sql: transaction has already been committed or rolled back") }

// seqIDs returns a deterministic NewID.
func seqIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}
