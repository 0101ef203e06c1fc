// Package pipeline runs one conversion end to end:
//
//	chunk -> list chunks -> discover columns -> emit rows -> [load] -> cleanup
//
// The chunk directory is removed only after every step succeeded, so a
// failed run can be inspected or resumed from its chunks.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dumpflat/internal/chunker"
	"dumpflat/internal/config"
	perr "dumpflat/internal/errors"
	"dumpflat/internal/loader"
	"dumpflat/internal/logger"
	"dumpflat/internal/metrics"
	"dumpflat/internal/progress"
	"dumpflat/internal/source"
	"dumpflat/internal/storage"
	"dumpflat/internal/tabular"
)

// Input names the dump to convert. An empty ContentType falls back to the
// configured one and then to the file name.
type Input struct {
	Path        string
	ContentType string
}

// Result summarizes a run.
type Result struct {
	RunID       string
	ContentType string
	ChunkDir    string
	Chunks      int
	Records     int64
	// Dropped counts unterminated records discarded at end of input.
	Dropped    int64
	Columns    []string
	Rows       int64
	OutputPath string
	Loaded     int64
	// Empty is set when the source held no records. It is not an error.
	Empty     bool
	Durations map[string]time.Duration
}

// OpenRepoFunc opens the load target.
type OpenRepoFunc func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

// Runner executes pipelines. Config should have defaults applied.
type Runner struct {
	Config   config.Pipeline
	Progress progress.Reporter
	Logger   *zerolog.Logger
	// OpenRepo defaults to storage.New.
	OpenRepo OpenRepoFunc
}

// NewRunner returns a Runner for cfg logging through the "pipeline"
// component logger.
func NewRunner(cfg config.Pipeline) *Runner {
	return &Runner{Config: cfg, Logger: logger.Named("pipeline")}
}

// Run converts in.Path. On success without KeepChunks the chunk directory
// is removed; on failure it is kept and the error carries the failing path.
func (r *Runner) Run(ctx context.Context, in Input) (Result, error) {
	cfg := r.Config
	res := Result{RunID: uuid.NewString(), Durations: map[string]time.Duration{}}

	if strings.TrimSpace(in.Path) == "" {
		return res, perr.Configf("pipeline: source path is required")
	}
	ct := firstNonEmpty(in.ContentType, cfg.Source.ContentType, source.ContentTypeFromPath(in.Path))
	if ct == "" {
		return res, perr.Configf("pipeline: cannot derive content type from %q; pass it explicitly", in.Path)
	}
	res.ContentType = ct

	base := r.Logger
	if base == nil {
		base = logger.Named("pipeline")
	}
	l := base.With().Str("run_id", res.RunID).Str("content_type", ct).Logger()
	log := &l
	rep := progress.OrNop(r.Progress)

	format, err := tabular.ParseFormat(cfg.Output.Format)
	if err != nil {
		return res, err
	}

	log.Info().Str("source", in.Path).Msg("run started")
	runStart := time.Now()

	step := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		d := time.Since(start)
		res.Durations[name] = d
		metrics.RecordStep(name, err, d)
		return err
	}

	// Chunk.
	var set chunker.ChunkSet
	err = step("chunk", func() error {
		var err error
		set, err = chunker.Chunk(ctx, in.Path, ct, chunker.Options{
			RecordsPerFile: cfg.Chunker.RecordsPerFile,
			Encoding:       cfg.Source.Encoding,
			Progress:       rep,
			Logger:         log,
		})
		return err
	})
	if err != nil {
		return res, err
	}
	res.ChunkDir = set.Dir
	res.Records = set.Records
	res.Dropped = set.Dropped

	// Only the files written by this run are converted.
	files := set.Files
	res.Chunks = len(files)
	if res.Chunks == 0 {
		res.Empty = true
		log.Warn().Str("dir", set.Dir).Msg("no chunk files; nothing to do")
		return res, nil
	}

	recordTag := chunker.RecordTag(ct)
	topt := tabular.Options{Progress: rep, Logger: log}

	// Discover.
	var cols tabular.Columns
	err = step("discover", func() error {
		var err error
		cols, err = tabular.DiscoverColumns(ctx, files, recordTag, topt)
		return err
	})
	if err != nil {
		return res, r.keep(log, set.Dir, err)
	}
	res.Columns = cols.Names()

	// Emit.
	out := cfg.Output.Path
	if out == "" {
		out = OutputPath(in.Path, format)
	}
	res.OutputPath = out
	err = step("emit", func() error {
		sink, err := tabular.Create(out, format, cfg.Output.Comma())
		if err != nil {
			return err
		}
		n, err := tabular.EmitRows(ctx, files, cols, recordTag, sink, topt)
		res.Rows = n
		if cerr := sink.Close(); err == nil {
			err = cerr
		}
		return err
	})
	if err != nil {
		return res, r.keep(log, set.Dir, err)
	}

	if res.Records == 0 {
		res.Empty = true
		log.Warn().Str("output", out).Msg("source held no records; nothing to do")
	}

	// Load.
	if cfg.Storage.LoadEnabled() && !res.Empty {
		err = step("load", func() error {
			n, err := r.load(ctx, out, ct, log)
			res.Loaded = n
			return err
		})
		if err != nil {
			return res, r.keep(log, set.Dir, err)
		}
	}

	// Cleanup.
	if !cfg.Chunker.KeepChunks {
		if err := os.RemoveAll(set.Dir); err != nil {
			log.Warn().Err(err).Str("dir", set.Dir).Msg("could not remove chunk directory")
		}
	}

	log.Info().
		Str("output", out).
		Int("chunks", res.Chunks).
		Int64("records", res.Records).
		Int("columns", len(res.Columns)).
		Int64("rows", res.Rows).
		Int64("loaded", res.Loaded).
		Dur("elapsed", time.Since(runStart).Truncate(time.Millisecond)).
		Msg("run finished")
	return res, nil
}

func (r *Runner) load(ctx context.Context, csvPath, contentType string, log *zerolog.Logger) (int64, error) {
	cfg := r.Config
	table := firstNonEmpty(cfg.Storage.DB.Table, contentType)
	open := r.OpenRepo
	if open == nil {
		open = storage.New
	}
	repo, err := open(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DB.DSN})
	if err != nil {
		return 0, perr.Wrap(err, perr.KindIO, "open "+cfg.Storage.Kind)
	}
	defer repo.Close()

	reader := make(config.Options, len(cfg.Parser.Options)+1)
	for k, v := range cfg.Parser.Options {
		reader[k] = v
	}
	reader["comma"] = string(cfg.Output.Comma())

	res, err := loader.Load(ctx, repo, csvPath, loader.Options{
		Table:     table,
		BatchSize: cfg.Storage.DB.BatchSize,
		RowHash:   cfg.Storage.DB.RowHash,
		Reader:    reader,
		Progress:  r.Progress,
		Logger:    log,
	})
	return res.Inserted, err
}

// keep logs that the chunk directory was left in place and returns err.
func (r *Runner) keep(log *zerolog.Logger, dir string, err error) error {
	log.Error().Err(err).Str("chunk_dir", dir).Str("path", perr.PathOf(err)).Msg("run failed; chunks kept")
	return err
}

// OutputPath is the default table path: the source path with its extension
// replaced by the format's, e.g. /d/releases.xml -> /d/releases.csv.
func OutputPath(src string, f tabular.Format) string {
	dir := filepath.Dir(src)
	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(dir, name+"."+f.Ext())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
