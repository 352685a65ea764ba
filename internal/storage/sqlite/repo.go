// Package sqlite implements storage.Repository on an embedded SQLite file
// (modernc.org/sqlite, no cgo). It mirrors the SQL Server backend's
// behavior for local dry runs and end-to-end tests: the wide NVARCHAR types
// keep TEXT affinity and identifiers are quoted the SQLite way.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"apisync/internal/storage"
)

// Repo implements storage.Repository for SQLite.
type Repo struct {
	db *sqlx.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database file named by cfg.DSN (e.g. "sync.db" or
// "file:sync.db?_pragma=busy_timeout(5000)").
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.DSN, err)
	}
	n := cfg.MaxOpenConns
	if n <= 0 {
		n = 1
	}
	db.SetMaxOpenConns(n)
	return &Repo{db: db}, nil
}

func (r *Repo) Close() error { return r.db.Close() }

type catalogRow struct {
	Table  string `db:"table_name"`
	Column string `db:"column_name"`
}

func (r *Repo) Catalog(ctx context.Context) (storage.Catalog, error) {
	var rows []catalogRow
	q := `SELECT m.name AS table_name, p.name AS column_name
FROM sqlite_master AS m JOIN pragma_table_info(m.name) AS p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
ORDER BY m.name, p.cid`
	if err := r.db.SelectContext(ctx, &rows, q); err != nil {
		return storage.Catalog{}, fmt.Errorf("sqlite: read catalog: %w", err)
	}
	c := storage.NewCatalog()
	for _, row := range rows {
		c.Add(row.Table, row.Column)
	}
	return c, nil
}

func (r *Repo) TableColumns(ctx context.Context, table string) ([]string, bool, error) {
	var cols []string
	if err := r.db.SelectContext(ctx, &cols, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, table); err != nil {
		return nil, false, fmt.Errorf("sqlite: read columns %s: %w", table, err)
	}
	return cols, len(cols) > 0, nil
}

func (r *Repo) CreateTable(ctx context.Context, def storage.TableDef) error {
	q, err := buildCreateTableSQL(def)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", def.Name, err)
	}
	return nil
}

func (r *Repo) AddColumn(ctx context.Context, table string, col storage.ColumnDef) error {
	if col.PrimaryKey {
		return fmt.Errorf("sqlite: cannot add primary key column %s to existing table %s", col.Name, table)
	}
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", sqlIdent(table), sqlIdent(col.Name), sqliteType(col.Type))
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlite: add column %s.%s: %w", table, col.Name, err)
	}
	return nil
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(table)); err != nil {
		return fmt.Errorf("sqlite: drop table %s: %w", table, err)
	}
	return nil
}

func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// IsFatal treats I/O, corruption and full-disk errors as connection-level;
// constraint and schema errors are per statement.
func (r *Repo) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB,
			sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL:
			return true
		}
		return false
	}
	return storage.IsConnError(err)
}

// Tx is a SQLite chunk transaction.
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) FindRow(ctx context.Context, table string, key []storage.Field) (string, bool, error) {
	if len(key) == 0 {
		return "", false, fmt.Errorf("sqlite: find row %s: empty key", table)
	}
	var b strings.Builder
	b.WriteString(`SELECT CAST("id" AS TEXT) FROM `)
	b.WriteString(sqlIdent(table))
	args := writeWhere(&b, key)
	b.WriteString(" LIMIT 1")

	var id sql.NullString
	err := t.tx.GetContext(ctx, &id, b.String(), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: find row %s: %w", table, err)
	}
	return id.String, true, nil
}

func (t *Tx) Insert(ctx context.Context, table string, fields []storage.Field) error {
	if len(fields) == 0 {
		return fmt.Errorf("sqlite: insert %s: no columns", table)
	}
	cols := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, sqlIdent(f.Column))
		args = append(args, f.Value)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sqlIdent(table), strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(fields)), ", "))
	if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("sqlite: insert %s: %w", table, err)
	}
	return nil
}

func (t *Tx) Update(ctx context.Context, table string, set, where []storage.Field) (int64, error) {
	if len(set) == 0 || len(where) == 0 {
		return 0, fmt.Errorf("sqlite: update %s: empty set or key", table)
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" SET ")
	args := make([]any, 0, len(set)+len(where))
	for i, f := range set {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(f.Column))
		b.WriteString(" = ?")
		args = append(args, f.Value)
	}
	args = append(args, writeWhere(&b, where)...)

	res, err := t.tx.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (t *Tx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+sqlIdent(name))
	return err
}

func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO "+sqlIdent(name))
	return err
}

func (t *Tx) Release(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "RELEASE "+sqlIdent(name))
	return err
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func buildCreateTableSQL(def storage.TableDef) (string, error) {
	if strings.TrimSpace(def.Name) == "" {
		return "", fmt.Errorf("sqlite: table name is empty")
	}
	if len(def.Columns) == 0 {
		return "", fmt.Errorf("sqlite: table %s has no columns", def.Name)
	}
	defs := make([]string, 0, len(def.Columns))
	for _, c := range def.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("sqlite: table %s: column name and type are required", def.Name)
		}
		d := sqlIdent(c.Name) + " " + sqliteType(c.Type)
		if c.PrimaryKey {
			d += " NOT NULL PRIMARY KEY"
		}
		defs = append(defs, d)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", sqlIdent(def.Name), strings.Join(defs, ", ")), nil
}

func writeWhere(b *strings.Builder, where []storage.Field) []any {
	b.WriteString(" WHERE ")
	args := make([]any, 0, len(where))
	for i, f := range where {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(sqlIdent(f.Column))
		if f.Value == nil {
			b.WriteString(" IS NULL")
			continue
		}
		b.WriteString(" = ?")
		args = append(args, f.Value)
	}
	return args
}

// sqliteType drops the "(MAX)" length SQLite's type grammar rejects;
// NVARCHAR keeps TEXT affinity.
func sqliteType(t string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(t)), "(MAX)", "")
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

var (
	_ storage.Repository = (*Repo)(nil)
	_ storage.Dropper    = (*Repo)(nil)
	_ storage.Tx         = (*Tx)(nil)
)
