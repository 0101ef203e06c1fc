package transformer

import (
	"context"
	"regexp"
	"strings"
	"testing"
)

var hexHash = regexp.MustCompile(`^[0-9a-f]{16}$`)

func hashOne(t *testing.T, columns []string, spec HashSpec, v []any) string {
	t.Helper()

	in := make(chan *Row, 1)
	out := make(chan *Row, 1)
	in <- &Row{Line: 1, V: v}
	close(in)

	go func() {
		HashLoopRows(context.Background(), columns, in, out, spec, nil)
		close(out)
	}()

	got := <-out
	if got == nil {
		t.Fatalf("expected a row, got nil")
	}
	h, ok := got.V[len(got.V)-1].(string)
	if !ok {
		t.Fatalf("expected row_hash string, got %T", got.V[len(got.V)-1])
	}
	return h
}

func TestHashLoopRows_WritesDeterministicHex(t *testing.T) {
	columns := []string{"releases_release_id", "release_title_title", "row_hash"}
	spec := HashSpec{
		TargetField: "row_hash",
		Fields:      []string{"releases_release_id", "release_title_title"},
		TrimSpace:   true,
	}

	h1 := hashOne(t, columns, spec, []any{"1", "Kraftwerk – Autobahn", nil})
	if !hexHash.MatchString(h1) {
		t.Fatalf("expected 16 lowercase hex digits, got %q", h1)
	}

	h2 := hashOne(t, columns, spec, []any{"1", "  Kraftwerk – Autobahn ", nil})
	if h1 != h2 {
		t.Fatalf("expected trimmed input to hash identically; h1=%q h2=%q", h1, h2)
	}

	h3 := hashOne(t, columns, spec, []any{"2", "Kraftwerk – Autobahn", nil})
	if h1 == h3 {
		t.Fatalf("expected different rows to hash differently")
	}
}

func TestHashLoopRows_NilDiffersFromEmpty(t *testing.T) {
	columns := []string{"a", "row_hash"}
	spec := HashSpec{TargetField: "row_hash", Fields: []string{"a"}}

	if hashOne(t, columns, spec, []any{nil, nil}) == hashOne(t, columns, spec, []any{"", nil}) {
		t.Fatalf("nil and empty string must hash differently")
	}
}

func TestHashLoopRows_IncludeFieldNamesChangesHash(t *testing.T) {
	columns := []string{"id", "title", "row_hash"}
	base := HashSpec{TargetField: "row_hash", Fields: []string{"id", "title"}}
	named := base
	named.IncludeFieldNames = true

	v := func() []any { return []any{"12855565", "alt. kola", nil} }
	if hashOne(t, columns, base, v()) == hashOne(t, columns, named, v()) {
		t.Fatalf("expected different hashes when IncludeFieldNames changes")
	}
}

func TestHashLoopRows_RejectsMissingFieldAndWrongWidth(t *testing.T) {
	columns := []string{"a", "row_hash"}

	var reasons []string
	onReject := func(_ int, reason string) { reasons = append(reasons, reason) }

	in := make(chan *Row, 2)
	out := make(chan *Row, 2)
	in <- &Row{Line: 1, V: []any{"x", nil}}
	in <- &Row{Line: 2, V: []any{"x"}}
	close(in)

	HashLoopRows(context.Background(), columns, in, out,
		HashSpec{TargetField: "row_hash", Fields: []string{"nope"}}, onReject)
	close(out)

	if n := len(out); n != 0 {
		t.Fatalf("expected no rows forwarded, got %d", n)
	}
	if len(reasons) != 2 || !strings.Contains(reasons[0], `missing field "nope"`) || !strings.Contains(reasons[1], "want 2") {
		t.Fatalf("unexpected reject reasons: %q", reasons)
	}
}

func TestHashLoopRows_UnknownTargetDrains(t *testing.T) {
	in := make(chan *Row, 1)
	out := make(chan *Row, 1)
	in <- GetRow(1)
	close(in)

	HashLoopRows(context.Background(), []string{"a"}, in, out, HashSpec{TargetField: "row_hash"}, nil)
	close(out)

	if len(out) != 0 {
		t.Fatalf("expected nothing forwarded")
	}
}

func TestGetRow_ZeroesReusedRows(t *testing.T) {
	r := GetRow(3)
	r.V[0], r.V[1], r.V[2] = "a", "b", "c"
	r.Line = 9
	r.Free()

	r2 := GetRow(2)
	if len(r2.V) != 2 || r2.V[0] != nil || r2.V[1] != nil || r2.Line != 0 {
		t.Fatalf("pooled row not reset: %#v", r2)
	}
}
