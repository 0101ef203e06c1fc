package storage

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxIdentLen is the longest identifier every supported backend accepts
// (Postgres truncates at 63 bytes).
const MaxIdentLen = 63

// NormalizeIdent folds a column key into [a-z0-9_]: accents are stripped,
// letters lowered, anything else becomes '_'. Names starting with a digit
// get a "c_" prefix and over-long names are shortened with a hash suffix so
// distinct inputs stay distinct.
func NormalizeIdent(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "col"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "c_" + out
	}
	if len(out) > MaxIdentLen {
		out = out[:MaxIdentLen-9] + "_" + fmt.Sprintf("%08x", uint32(xxh3.HashString(s)))
	}
	return out
}

// NormalizeColumns applies NormalizeIdent to every name and disambiguates
// collisions with a numeric suffix, keeping input order.
func NormalizeColumns(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for i, n := range names {
		id := NormalizeIdent(n)
		if used[id] {
			base := id
			for k := 2; used[id]; k++ {
				suffix := "_" + strconv.Itoa(k)
				if len(base)+len(suffix) > MaxIdentLen {
					base = base[:MaxIdentLen-len(suffix)]
				}
				id = base + suffix
			}
		}
		used[id] = true
		out[i] = id
	}
	return out
}

// NormalizeKey converts a value to a canonical string for in-memory dedupe
// keys.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return strconv.Itoa(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// DedupeRowsByColumns keeps the first row for each distinct key built from
// dedupeCols, preserving order. It errors when a dedupe column is not in
// columns.
func DedupeRowsByColumns(rows [][]any, columns, dedupeCols []string) ([][]any, error) {
	if len(dedupeCols) == 0 || len(rows) < 2 {
		return rows, nil
	}
	idx := make([]int, len(dedupeCols))
	for i, dc := range dedupeCols {
		found := -1
		for j, c := range columns {
			if c == dc {
				found = j
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("dedupe column %q not in insert columns %v", dc, columns)
		}
		idx[i] = found
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var kb strings.Builder
	for _, row := range rows {
		kb.Reset()
		for i, j := range idx {
			if i > 0 {
				kb.WriteByte(0x1f)
			}
			kb.WriteString(NormalizeKey(row[j]))
		}
		k := kb.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}
