package json

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"dumpflat/internal/config"
	"dumpflat/internal/transformer"
)

// runStream runs StreamJSONLRows in a goroutine, closes out when done and
// returns the rows, the error and the onErr calls as "line=N err=..." strings.
func runStream(ctx context.Context, input string, columns []string, opts config.Options) (rows [][]any, err error, parseErrs []string) {
	out := make(chan *transformer.Row, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err = StreamJSONLRows(ctx, strings.NewReader(input), columns, opts, out, func(line int, e error) {
			parseErrs = append(parseErrs, fmt.Sprintf("line=%d err=%s", line, e.Error()))
		})
		close(out)
	}()
	for r := range out {
		rows = append(rows, append([]any(nil), r.V...))
		r.Free()
	}
	<-done
	return rows, err, parseErrs
}

func TestReadHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{name: "document_order", in: `{"b":"1","a":{"x":[1,2]},"c":null}` + "\n" + `{"z":"2"}`, want: []string{"b", "a", "c"}},
		{name: "empty_input", in: "", want: nil},
		{name: "whitespace_only", in: "  \n", want: nil},
		{name: "empty_object", in: "{}\n", want: nil},
		{name: "array_root", in: `[{"a":1}]`, wantErr: true},
		{name: "truncated", in: `{"a":`, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReadHeader(strings.NewReader(tc.in))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ReadHeader err=nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadHeader err=%v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ReadHeader=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestStreamJSONLRows_AlignsToColumns(t *testing.T) {
	t.Parallel()

	in := `{"release_title_title":"A","releases_release_id":"1"}
{"release_title_title":"[\"B\",\"C\"]","releases_release_id":"2"}

{"releases_release_id":" 3 ","extra":"ignored"}
`
	cols := []string{"release_title_title", "releases_release_id", "row_hash"}
	rows, err, parseErrs := runStream(context.Background(), in, cols, nil)
	if err != nil {
		t.Fatalf("StreamJSONLRows err=%v", err)
	}
	if len(parseErrs) != 0 {
		t.Fatalf("parse errors=%v, want none", parseErrs)
	}
	want := [][]any{
		{"A", "1", nil},
		{`["B","C"]`, "2", nil},
		{nil, "3", nil},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows=%#v, want %#v", rows, want)
	}
}

func TestStreamJSONLRows_ValueKinds(t *testing.T) {
	t.Parallel()

	in := `{"n":12.50,"b":false,"nil":null,"empty":"","arr":[1,"x"],"obj":{"k":true},"pad":"  v  "}` + "\n"
	cols := []string{"n", "b", "nil", "empty", "arr", "obj", "pad"}

	rows, err, _ := runStream(context.Background(), in, cols, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := [][]any{{"12.50", "false", nil, nil, `[1,"x"]`, `{"k":true}`, "v"}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows=%#v, want %#v", rows, want)
	}

	rows, _, _ = runStream(context.Background(), in, []string{"pad"}, config.Options{"trim_space": false})
	if rows[0][0] != "  v  " {
		t.Fatalf("untrimmed=%q, want %q", rows[0][0], "  v  ")
	}
}

func TestStreamJSONLRows_HeaderMap(t *testing.T) {
	t.Parallel()

	in := `{"Release Title":"A","ID":"7"}` + "\n"
	opts := config.Options{"header_map": map[string]string{"Release Title": "release_title", "ID": "id"}}
	rows, err, _ := runStream(context.Background(), in, []string{"id", "release_title"}, opts)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	want := [][]any{{"7", "A"}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows=%#v, want %#v", rows, want)
	}
}

func TestStreamJSONLRows_BadLinesAreReportedAndSkipped(t *testing.T) {
	t.Parallel()

	in := `{"a":"1"}
not json
["a"]
{"a":"4"}
`
	rows, err, parseErrs := runStream(context.Background(), in, []string{"a"}, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(rows) != 2 || rows[0][0] != "1" || rows[1][0] != "4" {
		t.Fatalf("rows=%v, want lines 1 and 4", rows)
	}
	if len(parseErrs) != 2 {
		t.Fatalf("parse errors=%v, want 2", parseErrs)
	}
	if !strings.HasPrefix(parseErrs[0], "line=2 ") || !strings.HasPrefix(parseErrs[1], "line=3 ") {
		t.Fatalf("parse errors=%v, want lines 2 and 3", parseErrs)
	}
	if !strings.Contains(parseErrs[1], "want an object") {
		t.Fatalf("parse error=%q, want object complaint", parseErrs[1])
	}
}

func TestStreamJSONLRows_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rows, err, _ := runStream(ctx, `{"a":"1"}`+"\n", []string{"a"}, nil)
	if err != context.Canceled {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows=%v, want none", rows)
	}
}
