package tabular

import (
	"context"
	"strings"
	"time"

	"dumpflat/internal/metrics"
	xmlp "dumpflat/internal/parser/xml"
	"dumpflat/internal/progress"
)

type discoverer struct {
	recordTag string
	seen      map[string]struct{}
	records   int64
}

func (d *discoverer) StartElement(anc xmlp.Ancestors, _ string, attrs []xmlp.Attr) error {
	for _, a := range attrs {
		d.seen[xmlp.AttrKey(anc, a.Name)] = struct{}{}
	}
	return nil
}

func (d *discoverer) EndElement(anc xmlp.Ancestors, name, text string) error {
	if strings.TrimSpace(text) != "" {
		d.seen[xmlp.TextKey(anc)] = struct{}{}
	}
	if isRecord(name, d.recordTag) {
		d.records++
	}
	return nil
}

// DiscoverColumns walks every chunk file in order and returns the union of
// attribute and text column keys. The result depends only on the records,
// not on their order or on how they were split into chunks.
//
// A malformed chunk aborts discovery with a perr.KindMalformed error naming
// the chunk.
func DiscoverColumns(ctx context.Context, files []string, recordTag string, opt Options) (Columns, error) {
	log := opt.log()
	rep := progress.OrNop(opt.Progress)
	start := time.Now()

	rep.Start("discover", progress.Items, int64(len(files)))
	defer rep.Finish()

	d := &discoverer{recordTag: recordTag, seen: make(map[string]struct{})}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Columns{}, err
		}
		if err := xmlp.WalkFile(ctx, f, d); err != nil {
			return Columns{}, err
		}
		rep.Advance(1)
		log.Debug().Str("chunk", f).Int("columns", len(d.seen)).Msg("chunk scanned")
	}

	cols := columnsFromSet(d.seen)
	metrics.RecordRecords("discover", d.records)
	log.Info().
		Int("chunks", len(files)).
		Int64("records", d.records).
		Int("columns", cols.Len()).
		Dur("elapsed", time.Since(start).Truncate(time.Millisecond)).
		Msg("columns discovered")
	return cols, nil
}
