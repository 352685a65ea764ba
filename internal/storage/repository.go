// Package storage defines the database seam the sync engine runs against and
// the registry that maps a configured kind ("mssql", "sqlite") to a backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - DSN is passed through to the backend; validation is backend-specific.
//   - Schema is the SQL Server schema tables live in; empty means "dbo".
//     Backends without schemas ignore it.
type Config struct {
	Kind         string
	DSN          string
	Schema       string
	MaxOpenConns int
}

// Field is one column/value pair of a DML statement. A nil Value is SQL NULL;
// in a key filter it matches with IS NULL.
type Field struct {
	Column string
	Value  any
}

// ColumnDef describes a column to create.
type ColumnDef struct {
	Name string
	Type string

	// PrimaryKey marks the table's identity column (NOT NULL PRIMARY KEY).
	PrimaryKey bool
}

// TableDef describes a table to create.
type TableDef struct {
	Name    string
	Columns []ColumnDef
}

// Repository is the catalog + DDL + transaction surface of one database.
//
// DDL methods (CreateTable, AddColumn) run outside any transaction and are
// committed before they return, so the next catalog read sees them.
type Repository interface {
	// Catalog snapshots every base table and its columns.
	Catalog(ctx context.Context) (Catalog, error)

	// TableColumns returns the live columns of one table. exists=false means
	// the table is absent.
	TableColumns(ctx context.Context, table string) (columns []string, exists bool, err error)

	// CreateTable creates def if it does not exist yet.
	CreateTable(ctx context.Context, def TableDef) error

	// AddColumn adds col to table. It never drops or retypes.
	AddColumn(ctx context.Context, table string, col ColumnDef) error

	// Begin opens the transaction a chunk of upserts runs in.
	Begin(ctx context.Context) (Tx, error)

	// IsFatal reports whether err means the connection is unusable and the
	// batch must stop. Statement-level errors (constraint violations, type
	// mismatches, "already exists") are not fatal.
	IsFatal(err error) bool

	// Close releases the connection pool. Call once.
	Close() error
}

// Tx is the DML surface used inside a chunk transaction. All values are bound
// as parameters; only identifiers are interpolated.
type Tx interface {
	// FindRow returns the id of the first row matching every key field.
	FindRow(ctx context.Context, table string, key []Field) (id string, found bool, err error)

	// Insert writes one row.
	Insert(ctx context.Context, table string, fields []Field) error

	// Update sets set on every row matching where and returns rows affected.
	Update(ctx context.Context, table string, set, where []Field) (int64, error)

	// Savepoint, RollbackTo and Release scope a partial rollback to one
	// record.
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error

	Commit() error
	Rollback() error
}

// Dropper is implemented by backends that support the cleanup command.
type Dropper interface {
	// DropTable drops table if it exists.
	DropTable(ctx context.Context, table string) error
}

// ---- factories ----

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind.
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. Duplicate
//     registration fails fast instead of picking a backend ambiguously.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs a Repository using the registered factory for cfg.Kind.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported, or whatever the
//     factory returns.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
