package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dumpflat/internal/storage"
)

func openTemp(t *testing.T) storage.Repository {
	t.Helper()
	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	ddl, err := buildCreateTableSQL(storage.TextTable("releases", []string{"releases_release_id", `odd"name`}, true))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ddl, `CREATE TABLE IF NOT EXISTS "releases" (`))
	assert.Contains(t, ddl, `"releases_release_id" TEXT`)
	assert.Contains(t, ddl, `"odd""name" TEXT`)
	assert.Contains(t, ddl, `"row_hash" TEXT NOT NULL`)
	assert.Contains(t, ddl, `UNIQUE ("row_hash")`)

	_, err = buildCreateTableSQL(storage.TableSpec{Name: "empty"})
	assert.Error(t, err)
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1, 2}, {3, 4}}, true)
	assert.Equal(t, `INSERT OR IGNORE INTO "t" ("a", "b") VALUES (?,?), (?,?)`, q)
	assert.Equal(t, []any{1, 2, 3, 4}, args)

	q, _ = buildInsertSQL("t", []string{"a"}, [][]any{{1}}, false)
	assert.True(t, strings.HasPrefix(q, `INSERT INTO "t"`))
}

func TestRepo_EnsureInsertCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTemp(t)

	spec := storage.TextTable("releases", []string{"id", "title"}, true)
	require.NoError(t, repo.EnsureTable(ctx, spec))
	require.NoError(t, repo.EnsureTable(ctx, spec))

	cols := []string{"id", "title", storage.RowHashColumn}
	rows := [][]any{
		{"1", "A", "h1"},
		{"2", `["B","C"]`, "h2"},
		{"2", `["B","C"]`, "h2"},
	}
	n, err := repo.InsertRows(ctx, "releases", cols, rows, []string{storage.RowHashColumn})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// re-running the same batch inserts nothing
	n, err = repo.InsertRows(ctx, "releases", cols, rows, []string{storage.RowHashColumn})
	require.NoError(t, err)
	assert.Zero(t, n)

	count, err := repo.CountRows(ctx, "releases")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestRepo_InsertSplitsLargeBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTemp(t)

	names := make([]string, 400)
	for i := range names {
		names[i] = "c" + strings.Repeat("x", i%7) + string(rune('a'+i%26)) + "_" + strings.Repeat("y", i/26)
	}
	names = storage.NormalizeColumns(names)
	require.NoError(t, repo.EnsureTable(ctx, storage.TextTable("wide", names, false)))

	rows := make([][]any, 250)
	for i := range rows {
		row := make([]any, len(names))
		for j := range row {
			row[j] = "v"
		}
		rows[i] = row
	}
	n, err := repo.InsertRows(ctx, "wide", names, rows, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 250, n)
}

func TestRepo_InsertErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTemp(t)

	n, err := repo.InsertRows(ctx, "t", []string{"a"}, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = repo.InsertRows(ctx, "t", nil, [][]any{{}}, nil)
	assert.Error(t, err)

	_, err = repo.InsertRows(ctx, "missing_table", []string{"a"}, [][]any{{"x"}}, nil)
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	t.Parallel()
	assert.Contains(t, storage.Kinds(), "sqlite")
}
