package csv

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dumpflat/internal/config"
	"dumpflat/internal/transformer"
)

func collect(t *testing.T, input string, columns []string, opt config.Options) ([][]any, []error) {
	t.Helper()

	out := make(chan *transformer.Row, 16)
	var errs []error
	err := StreamCSVRows(context.Background(), io.NopCloser(strings.NewReader(input)), columns, opt, out,
		func(_ int, err error) { errs = append(errs, err) })
	require.NoError(t, err)
	close(out)

	var rows [][]any
	for r := range out {
		rows = append(rows, append([]any(nil), r.V...))
		r.Free()
	}
	return rows, errs
}

func TestStreamCSVRows_AlignsByHeader(t *testing.T) {
	t.Parallel()

	input := "\uFEFFrelease_title_title,releases_release_id\nA,1\n\"[\"\"B\"\",\"\"C\"\"]\",2\n,3\n"
	rows, errs := collect(t, input, []string{"releases_release_id", "release_title_title", "missing"}, nil)

	assert.Empty(t, errs)
	assert.Equal(t, [][]any{
		{"1", "A", nil},
		{"2", `["B","C"]`, nil},
		{"3", nil, nil},
	}, rows)
}

func TestStreamCSVRows_HeaderMapAndOptions(t *testing.T) {
	t.Parallel()

	opt := config.Options{
		"comma":      ";",
		"header_map": map[string]any{"Release Id": "id"},
	}
	rows, _ := collect(t, "Release Id;title\n 7 ;x\n", []string{"id", "title"}, opt)
	assert.Equal(t, [][]any{{"7", "x"}}, rows)

	rows, _ = collect(t, "a,b\n", []string{"first", "second"}, config.Options{"has_header": false})
	assert.Equal(t, [][]any{{"a", "b"}}, rows)
}

func TestStreamCSVRows_ReportsBadRecords(t *testing.T) {
	t.Parallel()

	rows, errs := collect(t, "a\n\"unterminated\n", []string{"a"}, nil)
	assert.Empty(t, rows)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "csv read")
}

func TestStreamCSVRows_EmptyInput(t *testing.T) {
	t.Parallel()

	rows, errs := collect(t, "", []string{"a"}, nil)
	assert.Empty(t, rows)
	assert.Empty(t, errs)
}

func TestStreamCSVRows_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan *transformer.Row)
	err := StreamCSVRows(ctx, io.NopCloser(strings.NewReader("a\n1\n")), []string{"a"}, nil, out, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
