package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"dumpflat/internal/storage"
)

// maxParams keeps each statement under SQL Server's 2100 parameter limit.
const maxParams = 2000

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Plain loads use INSERT ... VALUES. Loads with dedupe columns use
// INSERT ... SELECT ... WHERE NOT EXISTS; SQL Server does not collapse
// duplicates inside the VALUES source, so each batch is deduped in memory
// first (keep first occurrence).
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens a "sqlserver" connection and validates it with PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTable creates the table if it does not exist. It is safe to run on
// every invocation.
func (r *Repo) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	ddl, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

func (r *Repo) InsertRows(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	dedupeColumns []string,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: insert into %s without columns", table)
	}

	if len(dedupeColumns) > 0 {
		var err error
		rows, err = storage.DedupeRowsByColumns(rows, columns, dedupeColumns)
		if err != nil {
			return 0, fmt.Errorf("mssql: %w", err)
		}
	}

	maxRows := max(1, maxParams/len(columns))

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := min(start+maxRows, len(rows))
		part := rows[start:end]

		var q string
		var args []any
		if len(dedupeColumns) == 0 {
			q, args = buildBulkInsertSQL(table, columns, part)
		} else {
			q, args = buildInsertNotExistsSQL(table, columns, part, dedupeColumns)
		}

		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+mssqlTableIdent(table)).Scan(&n)
	return n, err
}

// buildCreateSQL builds idempotent CREATE TABLE SQL guarded by OBJECT_ID.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	parts := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, c := range t.Columns {
		parts = append(parts, mssqlColumnDef(c))
	}
	for _, con := range t.Constraints {
		cols := make([]string, 0, len(con.Columns))
		for _, c := range con.Columns {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}
	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlColumnDef maps logical types to SQL Server types. Text cells can be
// arbitrarily long, so they are NVARCHAR(MAX); hashes are fixed width so
// they can carry a UNIQUE constraint.
func mssqlColumnDef(c storage.ColumnSpec) string {
	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "", "text":
		b.WriteString("NVARCHAR(MAX)")
	case "hash":
		b.WriteString("CHAR(16)")
	default:
		b.WriteString(c.Type)
	}
	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeColumnList(&b, "", columns)
	b.WriteString(") VALUES ")
	args := writeValues(&b, columns, rows)
	return b.String(), args
}

// buildInsertNotExistsSQL constructs a single INSERT...SELECT...WHERE NOT EXISTS for a chunk of rows.
//
// Incoming rows are materialized as a derived table v via VALUES; only rows
// that do not match an existing row on dedupeColumns are inserted.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeColumnList(&b, "", columns)
	b.WriteString(") SELECT ")
	writeColumnList(&b, "v.", columns)
	b.WriteString(" FROM (VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(") AS v(")
	writeColumnList(&b, "", columns)
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")

	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args
}

func writeColumnList(b *strings.Builder, prefix string, columns []string) {
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(mssqlIdent(c))
	}
}

func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.releases" -> [dbo].[releases]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Close() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
