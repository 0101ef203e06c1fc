// Package loader streams a flattened table (CSV, or JSON Lines for .jsonl
// and .ndjson files) into a storage.Repository.
//
// Stages run concurrently and hand pooled rows downstream:
//
//	row reader -> [row hash] -> batcher -> insert workers
//
// The first worker error cancels the run; remaining rows are dropped.
package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dumpflat/internal/config"
	perr "dumpflat/internal/errors"
	"dumpflat/internal/metrics"
	csvparser "dumpflat/internal/parser/csv"
	jsonparser "dumpflat/internal/parser/json"
	"dumpflat/internal/progress"
	"dumpflat/internal/storage"
	"dumpflat/internal/transformer"
)

const defaultBatchSize = 5000

// Options configures one load.
type Options struct {
	// Table receives the rows. It is created when missing.
	Table     string
	BatchSize int
	// Workers is the number of concurrent insert workers. Default 1.
	Workers int
	// RowHash adds a unique row_hash column and makes re-runs skip rows that
	// are already present.
	RowHash bool
	// Reader options for parser/csv or parser/json (comma, lazy_quotes, ...).
	Reader   config.Options
	Progress progress.Reporter
	Logger   *zerolog.Logger
}

// Result summarizes a load.
type Result struct {
	Table string
	// Columns are the database column names, in CSV order.
	Columns  []string
	Read     int64
	Inserted int64
	Rejected int64
}

// Load streams path into repo. The CSV header, or the keys of the first
// JSON Lines object, name the columns; they are normalized into database
// identifiers. A file with no header loads nothing and is not an error.
func Load(ctx context.Context, repo storage.Repository, path string, opt Options) (Result, error) {
	log := opt.Logger
	if log == nil {
		l := zerolog.Nop()
		log = &l
	}
	rep := progress.OrNop(opt.Progress)

	if strings.TrimSpace(opt.Table) == "" {
		return Result{}, perr.Configf("loader: table is required")
	}
	batchSize := opt.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	workers := max(1, opt.Workers)

	f, err := os.Open(path)
	if err != nil {
		return Result{}, perr.IO("open", path, err)
	}
	defer f.Close()

	jsonl := isJSONLines(path)
	var header []string
	if jsonl {
		header, err = jsonparser.ReadHeader(f)
	} else {
		header, err = readHeader(f, opt.Reader.Rune("comma", ','))
	}
	if err != nil {
		return Result{}, perr.Malformed(path, err)
	}
	res := Result{Table: opt.Table}
	if len(header) == 0 {
		log.Warn().Str("path", path).Msg("file has no columns; nothing to load")
		return res, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return res, perr.IO("seek", path, err)
	}

	names := storage.NormalizeColumns(header)
	res.Columns = names

	readerOpt := make(config.Options, len(opt.Reader)+1)
	for k, v := range opt.Reader {
		readerOpt[k] = v
	}
	hm := make(map[string]string, len(header))
	for i, h := range header {
		hm[h] = names[i]
	}
	readerOpt["header_map"] = hm

	columns := append([]string(nil), names...)
	var dedupe []string
	if opt.RowHash {
		columns = append(columns, storage.RowHashColumn)
		dedupe = []string{storage.RowHashColumn}
	}

	if err := repo.EnsureTable(ctx, storage.TextTable(opt.Table, names, opt.RowHash)); err != nil {
		return res, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, 1)
	setErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
			cancel(err)
		default:
			// First error wins.
		}
	}

	var rejected atomic.Int64
	var reasonsMu sync.Mutex
	reasons := make(map[string]struct{})
	reject := func(line int, reason string) {
		rejected.Add(1)
		reasonsMu.Lock()
		_, seen := reasons[reason]
		reasons[reason] = struct{}{}
		reasonsMu.Unlock()
		if !seen {
			log.Warn().Int("line", line).Str("reason", reason).Msg("row rejected")
		}
	}

	// Reader stage.
	parsed := make(chan *transformer.Row, batchSize)
	readErr := make(chan error, 1)
	go func() {
		defer close(parsed)
		onErr := func(line int, err error) { reject(line, err.Error()) }
		if jsonl {
			readErr <- jsonparser.StreamJSONLRows(ctx, f, columns, readerOpt, parsed, onErr)
			return
		}
		readErr <- csvparser.StreamCSVRows(ctx, io.NopCloser(f), columns, readerOpt, parsed, onErr)
	}()

	// Optional hash stage.
	rows := (<-chan *transformer.Row)(parsed)
	if opt.RowHash {
		hashed := make(chan *transformer.Row, batchSize)
		go func() {
			defer close(hashed)
			transformer.HashLoopRows(ctx, columns, parsed, hashed, transformer.HashSpec{
				Fields:      names,
				TargetField: storage.RowHashColumn,
			}, reject)
		}()
		rows = hashed
	}

	rep.Start("load", progress.Items, 0)
	defer rep.Finish()

	batchCh := make(chan []*transformer.Row, workers*2)
	var inserted atomic.Int64

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(workerID int) {
			defer wg.Done()
			for batch := range batchCh {
				select {
				case <-ctx.Done():
					for _, r := range batch {
						r.Drop()
					}
					continue
				default:
				}

				start := time.Now()
				vals := make([][]any, len(batch))
				for i, r := range batch {
					vals[i] = r.V
				}
				n, err := repo.InsertRows(ctx, opt.Table, columns, vals, dedupe)
				for _, r := range batch {
					r.Free()
				}
				if err != nil {
					setErr(fmt.Errorf("loader: insert into %s: %w", opt.Table, err))
					continue
				}

				metrics.RecordBatch()
				metrics.RecordRecords("load", n)
				rep.Advance(int64(len(batch)))

				inserted.Add(n)

				log.Debug().
					Int("worker", workerID).
					Int("rows", len(batch)).
					Int64("inserted", n).
					Dur("duration", time.Since(start).Truncate(time.Millisecond)).
					Msg("batch loaded")
			}
		}(w)
	}

	var seen int64
	batch := make([]*transformer.Row, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = make([]*transformer.Row, 0, batchSize)
		select {
		case batchCh <- out:
		case <-ctx.Done():
			for _, r := range out {
				r.Drop()
			}
		}
	}

	for r := range rows {
		select {
		case <-ctx.Done():
			r.Drop()
			continue
		default:
		}
		seen++
		batch = append(batch, r)
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()
	close(batchCh)
	wg.Wait()

	res.Read = seen
	res.Inserted = inserted.Load()
	res.Rejected = rejected.Load()

	select {
	case werr := <-errCh:
		return res, werr
	default:
	}
	if err := <-readErr; err != nil {
		if ctx.Err() != nil {
			return res, context.Cause(ctx)
		}
		return res, perr.WrapPath(err, perr.KindIO, "read rows", path)
	}

	log.Info().
		Str("table", opt.Table).
		Int64("read", res.Read).
		Int64("inserted", res.Inserted).
		Int64("rejected", res.Rejected).
		Msg("load complete")
	return res, nil
}

func isJSONLines(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".jsonl" || ext == ".ndjson"
}

// readHeader returns the first CSV record, or nil for an empty file.
func readHeader(r io.Reader, comma rune) ([]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(hdr) > 0 {
		hdr[0] = strings.TrimPrefix(hdr[0], "\uFEFF")
	}
	for i := range hdr {
		hdr[i] = strings.TrimSpace(hdr[i])
	}
	return hdr, nil
}
