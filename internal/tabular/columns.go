// Package tabular turns a chunk set into one flat table in two passes:
// DiscoverColumns collects every column key, EmitRows writes one row per
// record in that fixed column order.
package tabular

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"dumpflat/internal/logger"
	"dumpflat/internal/progress"
)

// Columns is the frozen, lexicographically sorted column list produced by
// discovery. The zero value has no columns.
type Columns struct {
	names []string
	index map[string]int
}

// NewColumns sorts and de-duplicates names into a Columns value.
func NewColumns(names []string) Columns {
	uniq := make(map[string]struct{}, len(names))
	for _, n := range names {
		uniq[n] = struct{}{}
	}
	return columnsFromSet(uniq)
}

func columnsFromSet(set map[string]struct{}) Columns {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	return Columns{names: names, index: index}
}

// Len returns the number of columns.
func (c Columns) Len() int { return len(c.names) }

// Names returns a copy of the column names in output order.
func (c Columns) Names() []string { return append([]string(nil), c.names...) }

// Index returns the position of key.
func (c Columns) Index(key string) (int, bool) {
	i, ok := c.index[key]
	return i, ok
}

func (c Columns) String() string { return strings.Join(c.names, ",") }

// Options are shared by both passes.
type Options struct {
	Progress progress.Reporter
	Logger   *zerolog.Logger
}

func (o Options) log() *zerolog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logger.Named("tabular")
}

// isRecord reports whether name is the record tag. Matching is
// case-insensitive like the chunker's boundary detection.
func isRecord(name, recordTag string) bool {
	return recordTag != "" && strings.EqualFold(name, recordTag)
}
