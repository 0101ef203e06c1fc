package transformer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// HashSpec describes how to derive a row hash.
//
// The hash is xxh3-64 over the selected fields joined by Separator, written
// as 16 lowercase hex digits. Nil cells hash as "null" so an empty cell and
// a missing one stay distinguishable from the literal text "".
type HashSpec struct {
	Fields            []string
	IncludeFieldNames bool
	Separator         string
	TargetField       string
	TrimSpace         bool
}

// HashLoopRows reads rows from in, fills TargetField and forwards them to out.
// Rows of the wrong width are freed and reported through onReject. If
// TargetField is not among columns the input is drained and nothing is
// forwarded.
func HashLoopRows(
	ctx context.Context,
	columns []string,
	in <-chan *Row,
	out chan<- *Row,
	spec HashSpec,
	onReject func(line int, reason string),
) {
	targetIdx := indexOf(columns, spec.TargetField)
	if targetIdx < 0 {
		for r := range in {
			if r != nil {
				r.Free()
			}
		}
		return
	}

	fieldIdx := make([]int, len(spec.Fields))
	for i, name := range spec.Fields {
		fieldIdx[i] = indexOf(columns, name)
	}

	var b strings.Builder
	for r := range in {
		select {
		case <-ctx.Done():
			if r != nil {
				r.Drop()
			}
			continue
		default:
		}

		if r == nil {
			continue
		}
		if len(r.V) != len(columns) {
			if onReject != nil {
				onReject(r.Line, fmt.Sprintf("hash: row has %d fields, want %d", len(r.V), len(columns)))
			}
			r.Free()
			continue
		}

		missing := ""
		for i, idx := range fieldIdx {
			if idx < 0 {
				missing = spec.Fields[i]
				break
			}
		}
		if missing != "" {
			if onReject != nil {
				onReject(r.Line, fmt.Sprintf("hash: missing field %q", missing))
			}
			r.Free()
			continue
		}

		r.V[targetIdx] = RowHash(&b, spec, fieldIdx, r.V)

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
}

// RowHash computes the hash of the fields at fieldIdx. b is scratch space
// reused across calls.
func RowHash(b *strings.Builder, spec HashSpec, fieldIdx []int, v []any) string {
	sep := spec.Separator
	if sep == "" {
		sep = "\x1f"
	}

	b.Reset()
	for i, idx := range fieldIdx {
		if i > 0 {
			b.WriteString(sep)
		}
		if spec.IncludeFieldNames {
			b.WriteString(spec.Fields[i])
			b.WriteByte('=')
		}
		appendCanonicalValue(b, v[idx], spec.TrimSpace)
	}
	return fmt.Sprintf("%016x", xxh3.HashString(b.String()))
}

func indexOf(cols []string, name string) int {
	if name == "" {
		return -1
	}
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

func appendCanonicalValue(b *strings.Builder, v any, trimSpace bool) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		if trimSpace {
			t = strings.TrimSpace(t)
		}
		b.WriteString(t)
	case []byte:
		s := string(t)
		if trimSpace {
			s = strings.TrimSpace(s)
		}
		b.WriteString(s)
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	default:
		fmt.Fprintf(b, "%v", t)
	}
}
