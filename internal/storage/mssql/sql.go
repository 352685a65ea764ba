package mssql

import (
	"fmt"
	"strings"

	"apisync/internal/storage"
)

const catalogSQL = `SELECT c.TABLE_NAME AS table_name, c.COLUMN_NAME AS column_name
FROM INFORMATION_SCHEMA.COLUMNS c
JOIN INFORMATION_SCHEMA.TABLES t
  ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
WHERE c.TABLE_SCHEMA = @p1 AND t.TABLE_TYPE = 'BASE TABLE'
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`

const tableColumnsSQL = `SELECT COLUMN_NAME
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
ORDER BY ORDINAL_POSITION`

// buildCreateTableSQL wraps CREATE TABLE in an OBJECT_ID guard.
//
// Example:
//
//	IF OBJECT_ID(N'[dbo].[cust]', N'U') IS NULL BEGIN CREATE TABLE [dbo].[cust] ([id] NVARCHAR(450) NOT NULL PRIMARY KEY, [name] NVARCHAR(MAX) NULL); END;
func buildCreateTableSQL(schema string, def storage.TableDef) (string, error) {
	if strings.TrimSpace(def.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(def.Columns) == 0 {
		return "", fmt.Errorf("mssql: table %s has no columns", def.Name)
	}

	var b strings.Builder
	for i, c := range def.Columns {
		cd, err := mssqlColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("mssql: table %s: %w", def.Name, err)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(cd)
	}

	table := qualified(schema, def.Name)
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		quoteLiteral(table), table, b.String(),
	), nil
}

// buildAddColumnSQL adds a nullable column behind a COL_LENGTH guard.
func buildAddColumnSQL(schema, table string, col storage.ColumnDef) (string, error) {
	if col.PrimaryKey {
		return "", fmt.Errorf("mssql: cannot add primary key column %s to existing table %s", col.Name, table)
	}
	cd, err := mssqlColumnDef(col)
	if err != nil {
		return "", fmt.Errorf("mssql: table %s: %w", table, err)
	}
	qt := qualified(schema, table)
	return fmt.Sprintf(
		"IF COL_LENGTH(N'%s', N'%s') IS NULL ALTER TABLE %s ADD %s;",
		quoteLiteral(qt), quoteLiteral(col.Name), qt, cd,
	), nil
}

func buildDropTableSQL(schema, table string) string {
	qt := qualified(schema, table)
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;", quoteLiteral(qt), qt)
}

// buildFindRowSQL selects the id of the first row matching key. The id is
// cast to text so tables created with numeric ids still resolve.
func buildFindRowSQL(schema, table string, key []storage.Field) (string, []any, error) {
	if len(key) == 0 {
		return "", nil, fmt.Errorf("mssql: find row %s: empty key", table)
	}
	var b strings.Builder
	b.WriteString("SELECT TOP (1) CAST([id] AS NVARCHAR(450)) FROM ")
	b.WriteString(qualified(schema, table))
	args := writeWhere(&b, key, 1)
	return b.String(), args, nil
}

func buildInsertSQL(schema, table string, fields []storage.Field) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("mssql: insert %s: no columns", table)
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified(schema, table))
	b.WriteString(" (")
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(f.Column))
	}
	b.WriteString(") VALUES (")
	args := make([]any, 0, len(fields))
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
		args = append(args, f.Value)
	}
	b.WriteString(");")
	return b.String(), args, nil
}

func buildUpdateSQL(schema, table string, set, where []storage.Field) (string, []any, error) {
	if len(set) == 0 {
		return "", nil, fmt.Errorf("mssql: update %s: no columns to set", table)
	}
	if len(where) == 0 {
		return "", nil, fmt.Errorf("mssql: update %s: empty key", table)
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(qualified(schema, table))
	b.WriteString(" SET ")
	args := make([]any, 0, len(set)+len(where))
	for i, f := range set {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = @p%d", mssqlIdent(f.Column), i+1)
		args = append(args, f.Value)
	}
	args = append(args, writeWhere(&b, where, len(set)+1)...)
	return b.String(), args, nil
}

// writeWhere appends " WHERE a = @pN AND b IS NULL" starting at parameter
// next and returns the bound values.
func writeWhere(b *strings.Builder, where []storage.Field, next int) []any {
	b.WriteString(" WHERE ")
	args := make([]any, 0, len(where))
	for i, f := range where {
		if i > 0 {
			b.WriteString(" AND ")
		}
		if f.Value == nil {
			b.WriteString(mssqlIdent(f.Column))
			b.WriteString(" IS NULL")
			continue
		}
		fmt.Fprintf(b, "%s = @p%d", mssqlIdent(f.Column), next)
		args = append(args, f.Value)
		next++
	}
	b.WriteString(";")
	return args
}

// mssqlColumnDef builds "[name] TYPE NULL" or "[name] TYPE NOT NULL PRIMARY KEY".
func mssqlColumnDef(c storage.ColumnDef) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("column %s type is empty", c.Name)
	}
	if c.PrimaryKey {
		return mssqlIdent(c.Name) + " " + c.Type + " NOT NULL PRIMARY KEY", nil
	}
	return mssqlIdent(c.Name) + " " + c.Type + " NULL", nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'. Every
// table and column name reaching SQL goes through it, which also covers
// reserved words such as [order] or [key].
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// qualified returns [schema].[table]. Table names are never split on '.',
// since payload field names may contain dots.
func qualified(schema, table string) string {
	return mssqlIdent(schema) + "." + mssqlIdent(table)
}

// quoteLiteral escapes s for use inside an N'...' literal.
func quoteLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// checkSavepoint accepts plain identifiers only; savepoint names are
// interpolated.
func checkSavepoint(name string) error {
	if name == "" || len(name) > 32 {
		return fmt.Errorf("mssql: invalid savepoint name %q", name)
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("mssql: invalid savepoint name %q", name)
		}
	}
	return nil
}
