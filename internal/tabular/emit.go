package tabular

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	perr "dumpflat/internal/errors"
	"dumpflat/internal/metrics"
	xmlp "dumpflat/internal/parser/xml"
	"dumpflat/internal/progress"
)

// emitter accumulates the values of one record and writes it as a row when
// the outermost record tag closes.
type emitter struct {
	cols      Columns
	recordTag string
	sink      RowSink

	acc   map[string][]string
	row   []string
	depth int
	rows  int64
}

func (e *emitter) StartElement(anc xmlp.Ancestors, name string, attrs []xmlp.Attr) error {
	if isRecord(name, e.recordTag) {
		e.depth++
	}
	for _, a := range attrs {
		k := xmlp.AttrKey(anc, a.Name)
		e.acc[k] = append(e.acc[k], a.Value)
	}
	return nil
}

func (e *emitter) EndElement(anc xmlp.Ancestors, name, text string) error {
	if t := strings.TrimSpace(text); t != "" {
		k := xmlp.TextKey(anc)
		e.acc[k] = append(e.acc[k], t)
	}
	if !isRecord(name, e.recordTag) {
		return nil
	}
	e.depth--
	if e.depth > 0 {
		return nil
	}
	e.depth = 0
	return e.flush()
}

func (e *emitter) flush() error {
	for i, name := range e.cols.names {
		v, err := cellValue(e.acc[name])
		if err != nil {
			return err
		}
		e.row[i] = v
	}
	clear(e.acc)
	if err := e.sink.WriteRow(e.row); err != nil {
		return err
	}
	e.rows++
	return nil
}

// cellValue renders the values collected for one column: nothing is "",
// one value is kept as-is, several become a JSON array in encounter order.
func cellValue(vals []string) (string, error) {
	switch len(vals) {
	case 0:
		return "", nil
	case 1:
		return vals[0], nil
	default:
		b, err := json.MarshalNoEscape(vals)
		if err != nil {
			return "", perr.Wrap(err, perr.KindUnknown, "encode multi-value cell")
		}
		return string(b), nil
	}
}

// EmitRows writes the header and then one row per record of every chunk,
// in file order and document order, to sink. It returns the rows written.
// The caller owns sink and closes it.
func EmitRows(ctx context.Context, files []string, cols Columns, recordTag string, sink RowSink, opt Options) (int64, error) {
	log := opt.log()
	rep := progress.OrNop(opt.Progress)
	start := time.Now()

	if err := sink.WriteHeader(cols.Names()); err != nil {
		return 0, err
	}

	rep.Start("emit", progress.Items, int64(len(files)))
	defer rep.Finish()

	e := &emitter{
		cols:      cols,
		recordTag: recordTag,
		sink:      sink,
		acc:       make(map[string][]string, cols.Len()),
		row:       make([]string, cols.Len()),
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return e.rows, err
		}
		before := e.rows
		e.depth = 0
		clear(e.acc)
		if err := xmlp.WalkFile(ctx, f, e); err != nil {
			return e.rows, err
		}
		rep.Advance(1)
		log.Debug().Str("chunk", f).Int64("rows", e.rows-before).Msg("chunk emitted")
	}

	metrics.RecordRecords("emit", e.rows)
	log.Info().
		Int("chunks", len(files)).
		Int("columns", cols.Len()).
		Int64("rows", e.rows).
		Dur("elapsed", time.Since(start).Truncate(time.Millisecond)).
		Msg("rows emitted")
	return e.rows, nil
}
