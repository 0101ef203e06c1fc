package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perr "dumpflat/internal/errors"
	"dumpflat/internal/progress"
	"dumpflat/internal/storage"
	"dumpflat/internal/storage/sqlite"
)

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "releases.csv")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func openSQLite(t *testing.T) storage.Repository {
	t.Helper()
	repo, err := sqlite.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "db.sqlite")})
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

const scenarioCSV = "release_title_title,releases_release_id\nA,1\n\"[\"\"B\"\",\"\"C\"\"]\",2\n"

func TestLoad_SQLiteRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openSQLite(t)
	path := writeCSV(t, scenarioCSV)

	var mu sync.Mutex
	var last progress.Update
	res, err := Load(ctx, repo, path, Options{
		Table:     "releases",
		BatchSize: 1,
		RowHash:   true,
		Progress: progress.Func(func(u progress.Update) {
			mu.Lock()
			last = u
			mu.Unlock()
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"release_title_title", "releases_release_id"}, res.Columns)
	assert.EqualValues(t, 2, res.Read)
	assert.EqualValues(t, 2, res.Inserted)
	assert.Zero(t, res.Rejected)
	assert.True(t, last.Finished)
	assert.EqualValues(t, 2, last.Current)

	n, err := repo.CountRows(ctx, "releases")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// a second load of the same file is a no-op thanks to row_hash
	res, err = Load(ctx, repo, path, Options{Table: "releases", RowHash: true})
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)

	n, err = repo.CountRows(ctx, "releases")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestLoad_JSONLinesHashLikeCSV(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openSQLite(t)

	jsonl := filepath.Join(t.TempDir(), "releases.jsonl")
	body := `{"release_title_title":"A","releases_release_id":"1"}` + "\n" +
		`{"release_title_title":"[\"B\",\"C\"]","releases_release_id":"2"}` + "\n"
	require.NoError(t, os.WriteFile(jsonl, []byte(body), 0o644))

	res, err := Load(ctx, repo, jsonl, Options{Table: "releases", RowHash: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"release_title_title", "releases_release_id"}, res.Columns)
	assert.EqualValues(t, 2, res.Inserted)

	// The same table as CSV produces the same row hashes.
	res, err = Load(ctx, repo, writeCSV(t, scenarioCSV), Options{Table: "releases", RowHash: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Read)
	assert.Zero(t, res.Inserted)
}

func TestLoad_NormalizesHeader(t *testing.T) {
	t.Parallel()

	repo := openSQLite(t)
	path := writeCSV(t, "\uFEFFRelease Title;2nd\nx;y\n")

	res, err := Load(context.Background(), repo, path, Options{
		Table:  "odd",
		Reader: map[string]any{"comma": ";"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"release_title", "c_2nd"}, res.Columns)
	assert.EqualValues(t, 1, res.Inserted)
}

func TestLoad_EmptyFile(t *testing.T) {
	t.Parallel()

	repo := openSQLite(t)
	res, err := Load(context.Background(), repo, writeCSV(t, ""), Options{Table: "empty"})
	require.NoError(t, err)
	assert.Zero(t, res.Read)
	assert.Empty(t, res.Columns)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	repo := openSQLite(t)

	_, err := Load(context.Background(), repo, writeCSV(t, scenarioCSV), Options{})
	assert.True(t, perr.IsKind(err, perr.KindConfig))

	_, err = Load(context.Background(), repo, filepath.Join(t.TempDir(), "missing.csv"), Options{Table: "t"})
	assert.True(t, perr.IsKind(err, perr.KindIO))
}

type failingRepo struct {
	storage.Repository
	calls int
	mu    sync.Mutex
}

func (f *failingRepo) EnsureTable(context.Context, storage.TableSpec) error { return nil }

func (f *failingRepo) InsertRows(context.Context, string, []string, [][]any, []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, errors.New("disk full")
}

func TestLoad_InsertErrorStopsRun(t *testing.T) {
	t.Parallel()

	repo := &failingRepo{}
	_, err := Load(context.Background(), repo, writeCSV(t, scenarioCSV), Options{Table: "t", BatchSize: 1, Workers: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.GreaterOrEqual(t, repo.calls, 1)
}
