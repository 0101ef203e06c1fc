package storage

import (
	"fmt"
	"strings"
)

// RowHashColumn is the column added by TextTable when row hashing is on.
const RowHashColumn = "row_hash"

// TableSpec describes a table to create. Backends translate the logical
// column types "text" and "hash" into their own.
type TableSpec struct {
	Name        string           `json:"name"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "text" | "hash"
	Nullable *bool  `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// TextTable builds the spec for a flat table: one nullable text column per
// name and, with rowHash, a NOT NULL unique row_hash column.
func TextTable(name string, columns []string, rowHash bool) TableSpec {
	spec := TableSpec{Name: name, Columns: make([]ColumnSpec, 0, len(columns)+1)}
	for _, c := range columns {
		spec.Columns = append(spec.Columns, ColumnSpec{Name: c, Type: "text"})
	}
	if rowHash {
		notNull := false
		spec.Columns = append(spec.Columns, ColumnSpec{Name: RowHashColumn, Type: "hash", Nullable: &notNull})
		spec.Constraints = append(spec.Constraints, ConstraintSpec{Kind: "unique", Columns: []string{RowHashColumn}})
	}
	return spec
}

// Validate checks the spec before any DDL is built.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %s has a column without a name", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s has duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		for _, c := range con.Columns {
			if !seen[c] {
				return fmt.Errorf("%s constraint references unknown column %s", t.Name, c)
			}
		}
	}
	return nil
}

// IsNullable reports the column's nullability; unset means nullable.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable == nil || *c.Nullable
}
