// Package mssql implements storage.Repository for Microsoft SQL Server, the
// engine the synced tables live in.
//
// DDL is guarded so it is safe to re-run: CREATE TABLE behind an OBJECT_ID
// check and ALTER TABLE ADD behind a COL_LENGTH check. Each DDL statement runs
// on its own (autocommit) so it is visible to the next INFORMATION_SCHEMA
// read. DML only runs inside the chunk transaction handed out by Begin.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	mssql "github.com/microsoft/go-mssqldb"

	"apisync/internal/storage"
)

// DefaultSchema is used when storage.Config.Schema is empty.
const DefaultSchema = "dbo"

// Repo implements storage.Repository for SQL Server.
type Repo struct {
	db     dbConn
	schema string
}

// New opens a SQL Server connection pool through sqlx and verifies it with a
// ping.
//
// The sync engine holds one connection for the life of a batch; MaxOpenConns
// defaults to 1 accordingly.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sqlx.ConnectContext(ctx, "sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: connect: %w", err)
	}

	n := cfg.MaxOpenConns
	if n <= 0 {
		n = 1
	}
	raw.SetMaxOpenConns(n)
	raw.SetMaxIdleConns(n)

	return newRepo(&sqlDB{db: raw}, cfg.Schema), nil
}

func newRepo(db dbConn, schema string) *Repo {
	if schema == "" {
		schema = DefaultSchema
	}
	return &Repo{db: db, schema: schema}
}

func init() {
	storage.Register("mssql", New)
}

// Close releases the connection pool.
func (r *Repo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type catalogRow struct {
	Table  string `db:"table_name"`
	Column string `db:"column_name"`
}

// Catalog reads every base table of the schema from INFORMATION_SCHEMA.
func (r *Repo) Catalog(ctx context.Context) (storage.Catalog, error) {
	var rows []catalogRow
	if err := r.db.SelectContext(ctx, &rows, catalogSQL, r.schema); err != nil {
		return storage.Catalog{}, fmt.Errorf("mssql: read catalog: %w", err)
	}
	c := storage.NewCatalog()
	for _, row := range rows {
		c.Add(row.Table, row.Column)
	}
	return c, nil
}

// TableColumns reads the columns of one table. A table always has at least
// one column, so an empty result means the table does not exist.
func (r *Repo) TableColumns(ctx context.Context, table string) ([]string, bool, error) {
	var cols []string
	if err := r.db.SelectContext(ctx, &cols, tableColumnsSQL, r.schema, table); err != nil {
		return nil, false, fmt.Errorf("mssql: read columns %s: %w", table, err)
	}
	return cols, len(cols) > 0, nil
}

// CreateTable creates def unless a table with that name already exists.
func (r *Repo) CreateTable(ctx context.Context, def storage.TableDef) error {
	q, err := buildCreateTableSQL(r.schema, def)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", def.Name, err)
	}
	return nil
}

// AddColumn adds col to table unless it is already there.
func (r *Repo) AddColumn(ctx context.Context, table string, col storage.ColumnDef) error {
	q, err := buildAddColumnSQL(r.schema, table, col)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("mssql: add column %s.%s: %w", table, col.Name, err)
	}
	return nil
}

// DropTable drops table if it exists.
func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, buildDropTableSQL(r.schema, table)); err != nil {
		return fmt.Errorf("mssql: drop table %s: %w", table, err)
	}
	return nil
}

// Begin opens a chunk transaction.
func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: begin: %w", err)
	}
	return &Tx{tx: tx, schema: r.schema}, nil
}

// IsFatal reports connection-level failures. Server errors of severity class
// 20 and above terminate the connection; lower classes are statement errors.
func (r *Repo) IsFatal(err error) bool { return isFatal(err) }

func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var me mssql.Error
	if errors.As(err, &me) {
		return me.Class >= 20
	}
	return storage.IsConnError(err)
}

// Tx is a SQL Server chunk transaction.
type Tx struct {
	tx     txConn
	schema string
}

// FindRow returns the id of the first row matching key.
func (t *Tx) FindRow(ctx context.Context, table string, key []storage.Field) (string, bool, error) {
	q, args, err := buildFindRowSQL(t.schema, table, key)
	if err != nil {
		return "", false, err
	}
	var id sql.NullString
	err = t.tx.GetContext(ctx, &id, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mssql: find row %s: %w", table, err)
	}
	return id.String, true, nil
}

// Insert writes one row.
func (t *Tx) Insert(ctx context.Context, table string, fields []storage.Field) error {
	q, args, err := buildInsertSQL(t.schema, table, fields)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mssql: insert %s: %w", table, err)
	}
	return nil
}

// Update sets set on the rows matching where.
func (t *Tx) Update(ctx context.Context, table string, set, where []storage.Field) (int64, error) {
	q, args, err := buildUpdateSQL(t.schema, table, set, where)
	if err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("mssql: update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mssql: update %s rows affected: %w", table, err)
	}
	return n, nil
}

// Savepoint marks a point the transaction can roll back to.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	if err := checkSavepoint(name); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "SAVE TRANSACTION "+name+";")
	return err
}

// RollbackTo undoes everything after the savepoint; the transaction stays
// open.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if err := checkSavepoint(name); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TRANSACTION "+name+";")
	return err
}

// Release is a no-op: SQL Server savepoints end with the transaction.
func (t *Tx) Release(ctx context.Context, name string) error { return checkSavepoint(name) }

// Commit commits the chunk.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback abandons the chunk.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

var (
	_ storage.Repository = (*Repo)(nil)
	_ storage.Dropper    = (*Repo)(nil)
	_ storage.Tx         = (*Tx)(nil)
)
