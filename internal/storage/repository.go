// Package storage is the backend-agnostic load target for flat tables.
// Backends register themselves from init() and are selected by kind.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	perr "dumpflat/internal/errors"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository loads rows into one database.
//
// Each backend implements idempotent inserts in its own idiomatic way
// (Postgres ON CONFLICT, SQLite OR IGNORE, SQL Server NOT EXISTS).
type Repository interface {
	// EnsureTable creates the table and its constraints if missing.
	EnsureTable(ctx context.Context, spec TableSpec) error

	// InsertRows inserts rows whose values line up with columns. When
	// dedupeColumns is non-empty, rows whose dedupe key already exists (in
	// the table or earlier in the batch) are skipped. Returns rows inserted.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error)

	// CountRows returns the number of rows in table.
	CountRows(ctx context.Context, table string) (int64, error)

	// Close releases connections. Call once.
	Close()
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
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

// Kinds lists registered backends, sorted.
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

// New opens a Repository using the registered backend factory.
//
// Errors:
//   - perr.KindConfig if cfg.Kind is empty or unsupported.
//   - Whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, perr.Configf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, perr.Configf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}
