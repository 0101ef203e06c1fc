package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"dumpflat/internal/config"
	perr "dumpflat/internal/errors"
	"dumpflat/internal/pipeline"
	"dumpflat/internal/source"
)

type convertFlags struct {
	configPath     string
	contentType    string
	encoding       string
	recordsPerFile int
	keepChunks     bool
	format         string
	output         string
	delimiter      string
	loadKind       string
	dsn            string
	table          string
	batchSize      int
	rowHash        bool
	validate       bool
}

func newConvertCmd(a *app) *cobra.Command {
	var f convertFlags
	cmd := &cobra.Command{
		Use:   "convert [xml]",
		Short: "Chunk, flatten and optionally load one dump",
		Long: `convert runs the whole pipeline on one decompressed dump:

  chunk -> discover columns -> emit rows -> [load] -> remove chunks

Settings come from --config (pipeline JSON), then DUMPFLAT_* environment
variables, then flags. The content type defaults to the one in the file
name (discogs_20240101_releases.xml -> releases).`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.pipeline(cmd, args, a.stderr)
			if err != nil {
				return err
			}
			if f.validate {
				fmt.Fprintln(a.stdout, "configuration is valid")
				return nil
			}
			return a.withMetrics(cmd.Context(), cfg.Job, func(ctx context.Context) error {
				r := a.deps.newRunner(cfg, a.named("pipeline"), a.progress())
				res, err := r.Run(ctx, pipeline.Input{Path: cfg.Source.Path, ContentType: cfg.Source.ContentType})
				if err != nil {
					return err
				}
				printResult(a.stdout, res)
				return nil
			})
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "pipeline config JSON path")
	fl.StringVarP(&f.contentType, "content-type", "t", "", "collection name, e.g. releases (default: from file name)")
	fl.StringVar(&f.encoding, "encoding", "", "source charset (default utf-8)")
	fl.IntVarP(&f.recordsPerFile, "records-per-file", "n", config.DefaultRecordsPerFile, "records per chunk file")
	fl.BoolVar(&f.keepChunks, "keep-chunks", false, "keep the chunk directory after a successful run")
	fl.StringVarP(&f.format, "format", "f", "csv", "output format (csv|jsonl)")
	fl.StringVarP(&f.output, "output", "o", "", "output path (default: next to the source)")
	fl.StringVar(&f.delimiter, "delimiter", ",", `CSV delimiter; "\t" for tab`)
	fl.StringVar(&f.loadKind, "load-kind", "", "also load the CSV into sqlite|postgres|mssql")
	fl.StringVar(&f.dsn, "dsn", "", "database DSN for --load-kind")
	fl.StringVar(&f.table, "table", "", "target table (default: content type)")
	fl.IntVar(&f.batchSize, "batch-size", config.DefaultBatchSize, "rows per insert batch")
	fl.BoolVar(&f.rowHash, "row-hash", false, "add a unique row_hash column so re-loads skip existing rows")
	fl.BoolVar(&f.validate, "validate", false, "validate the configuration and exit")
	return cmd
}

// pipeline merges config file, environment and flags into a validated
// Pipeline. Validation findings are written to stderr.
func (f *convertFlags) pipeline(cmd *cobra.Command, args []string, stderr io.Writer) (config.Pipeline, error) {
	var cfg config.Pipeline
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	if len(args) == 1 {
		cfg.Source.Path = args[0]
	}
	changed := cmd.Flags().Changed
	str := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	str("content-type", &cfg.Source.ContentType, f.contentType)
	str("encoding", &cfg.Source.Encoding, f.encoding)
	str("format", &cfg.Output.Format, f.format)
	str("output", &cfg.Output.Path, f.output)
	str("delimiter", &cfg.Output.Delimiter, f.delimiter)
	str("load-kind", &cfg.Storage.Kind, f.loadKind)
	str("dsn", &cfg.Storage.DB.DSN, f.dsn)
	str("table", &cfg.Storage.DB.Table, f.table)
	if changed("records-per-file") {
		cfg.Chunker.RecordsPerFile = f.recordsPerFile
	}
	if changed("keep-chunks") {
		cfg.Chunker.KeepChunks = f.keepChunks
	}
	if changed("batch-size") {
		cfg.Storage.DB.BatchSize = f.batchSize
	}
	if changed("row-hash") {
		cfg.Storage.DB.RowHash = f.rowHash
	}

	if cfg.Source.Path == "" {
		return cfg, usagef("convert: a source path is required (argument or source.path in --config)")
	}
	if cfg.Source.ContentType == "" {
		cfg.Source.ContentType = source.ContentTypeFromPath(cfg.Source.Path)
	}
	cfg.ApplyDefaults()

	issues := config.ValidatePipeline(cfg)
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if config.HasErrors(issues) {
		return cfg, perr.Configf("invalid configuration")
	}
	return cfg, nil
}

func printResult(w io.Writer, res pipeline.Result) {
	if res.Empty {
		fmt.Fprintf(w, "nothing to do: no %s records found\n", res.ContentType)
		return
	}
	fmt.Fprintf(w, "%s: %d records, %d columns, %d rows -> %s\n",
		res.ContentType, res.Records, len(res.Columns), res.Rows, res.OutputPath)
	if res.Dropped > 0 {
		fmt.Fprintf(w, "dropped %d unterminated records\n", res.Dropped)
	}
	if res.Loaded > 0 {
		fmt.Fprintf(w, "loaded %d rows\n", res.Loaded)
	}
}
