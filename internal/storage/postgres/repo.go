package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dumpflat/internal/storage"
)

// maxParams is Postgres' bind parameter limit per statement.
const maxParams = 65535

/*
Repo implements storage.Repository for Postgres.

Plain loads stream through COPY. Loads with dedupe columns use multi-row
INSERT ... ON CONFLICT (...) DO NOTHING so re-running a load is a no-op.
*/
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func (r *Repo) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	schemaSQL, baseSQL, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", spec.Name, err)
		}
	}
	if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

// InsertRows loads rows. Without dedupe columns it uses COPY; with them it
// issues INSERT ... ON CONFLICT DO NOTHING in parameter-bounded slices
// inside one transaction.
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
		return 0, fmt.Errorf("postgres: insert into %s without columns", table)
	}

	if len(dedupeColumns) == 0 {
		n, err := r.pool.CopyFrom(ctx, tableIdent(table), columns, pgx.CopyFromRows(rows))
		if err != nil {
			return n, fmt.Errorf("copy into %s: %w", table, err)
		}
		return n, nil
	}

	per := maxParams / len(columns)
	if per < 1 {
		return 0, fmt.Errorf("postgres: %d columns exceed the parameter limit", len(columns))
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		sql, args := buildInsertSQL(table, columns, rows[start:end], dedupeColumns)
		cmd, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return total, fmt.Errorf("insert into %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+tableIdent(table).Sanitize()).Scan(&n)
	return n, err
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// It is pure and deterministic, so ON CONFLICT behavior and placeholder
// numbering are unit tested without a database.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tableIdent(table).Sanitize())
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(dedupeColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range dedupeColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}

// buildColumnDef renders a single column definition.
func buildColumnDef(c storage.ColumnSpec) string {
	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(mapType(c.Type))
	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// buildCreateSQL builds DDL for the schema (when the name is qualified) and
// the table with its UNIQUE constraints.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, c := range t.Columns {
		defs = append(defs, buildColumnDef(c))
	}
	for _, con := range t.Constraints {
		cols := make([]string, 0, len(con.Columns))
		for _, col := range con.Columns {
			cols = append(cols, pgIdent(strings.TrimSpace(col)))
		}
		defs = append(defs, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`,
		tableIdent(t.Name).Sanitize(), strings.Join(defs, ", "))
	return schemaSQL, baseSQL, nil
}

func mapType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "text":
		return "TEXT"
	case "hash":
		return "CHAR(16)"
	default:
		return t
	}
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.releases" => ("public", "releases")
//   - "releases"        => ("", "releases")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func tableIdent(name string) pgx.Identifier {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgx.Identifier{schema, table}
	}
	return pgx.Identifier{strings.TrimSpace(name)}
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
