package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"dumpflat/internal/chunker"
	"dumpflat/internal/config"
	perr "dumpflat/internal/errors"
	"dumpflat/internal/loader"
	"dumpflat/internal/source"
	"dumpflat/internal/storage"
	"dumpflat/internal/tabular"
)

// The commands in this file run one pipeline stage each, so a large dump
// can be processed step by step and a failed stage retried on its own.

func newChunkCmd(a *app) *cobra.Command {
	var (
		contentType    string
		encoding       string
		recordsPerFile int
	)
	cmd := &cobra.Command{
		Use:   "chunk <xml>",
		Short: "Split a dump into chunk files of whole records",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			ct := firstNonEmpty(contentType, source.ContentTypeFromPath(src))
			if ct == "" {
				return perr.Configf("chunk: cannot derive content type from %q; pass --content-type", src)
			}
			return a.withMetrics(cmd.Context(), "chunk", func(ctx context.Context) error {
				set, err := chunker.Chunk(ctx, src, ct, chunker.Options{
					RecordsPerFile: recordsPerFile,
					Encoding:       encoding,
					Progress:       a.progress(),
					Logger:         a.named("chunker"),
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%d records in %d chunks under %s\n", set.Records, len(set.Files), set.Dir)
				if set.Dropped > 0 {
					fmt.Fprintf(a.stdout, "dropped %d unterminated records\n", set.Dropped)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&contentType, "content-type", "t", "", "collection name (default: from file name)")
	cmd.Flags().StringVar(&encoding, "encoding", "", "source charset (default utf-8)")
	cmd.Flags().IntVarP(&recordsPerFile, "records-per-file", "n", config.DefaultRecordsPerFile, "records per chunk file")
	return cmd
}

func newColumnsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "columns <chunk-dir> <content-type>",
		Short: "Print the discovered column keys of a chunk directory",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMetrics(cmd.Context(), "columns", func(ctx context.Context) error {
				cols, _, err := a.discover(ctx, args[0], args[1])
				if errors.Is(err, perr.ErrNoChunks) {
					fmt.Fprintf(a.stdout, "nothing to do: no chunk files in %s\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				for _, name := range cols.Names() {
					fmt.Fprintln(a.stdout, name)
				}
				return nil
			})
		},
	}
}

func newEmitCmd(a *app) *cobra.Command {
	var format, delimiter string
	cmd := &cobra.Command{
		Use:   "emit <chunk-dir> <content-type> <output>",
		Short: "Write one flat row per record of a chunk directory",
		Args:  usageArgs(cobra.ExactArgs(3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := tabular.ParseFormat(format)
			if err != nil {
				return err
			}
			out := args[2]
			return a.withMetrics(cmd.Context(), "emit", func(ctx context.Context) error {
				cols, files, err := a.discover(ctx, args[0], args[1])
				if errors.Is(err, perr.ErrNoChunks) {
					fmt.Fprintf(a.stdout, "nothing to do: no chunk files in %s\n", args[0])
					return nil
				}
				if err != nil {
					return err
				}
				sink, err := tabular.Create(out, f, config.Output{Delimiter: delimiter}.Comma())
				if err != nil {
					return err
				}
				n, err := tabular.EmitRows(ctx, files, cols, chunker.RecordTag(args[1]), sink, a.tabularOptions())
				if cerr := sink.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "wrote %d rows x %d columns to %s\n", n, cols.Len(), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv|jsonl)")
	cmd.Flags().StringVar(&delimiter, "delimiter", ",", `CSV delimiter; "\t" for tab`)
	return cmd
}

// discover lists dir and runs the column discovery pass over it. An empty
// dir yields perr.ErrNoChunks.
func (a *app) discover(ctx context.Context, dir, contentType string) (tabular.Columns, []string, error) {
	set, err := chunker.List(dir)
	if err != nil {
		return tabular.Columns{}, nil, err
	}
	if len(set.Files) == 0 {
		return tabular.Columns{}, nil, perr.WrapPath(perr.ErrNoChunks, perr.KindEmpty, "list", dir)
	}
	cols, err := tabular.DiscoverColumns(ctx, set.Files, chunker.RecordTag(contentType), a.tabularOptions())
	return cols, set.Files, err
}

func (a *app) tabularOptions() tabular.Options {
	return tabular.Options{Progress: a.progress(), Logger: a.named("tabular")}
}

func newLoadCmd(a *app) *cobra.Command {
	var (
		kind, dsn, table, delimiter string
		batchSize, workers          int
		rowHash                     bool
	)
	cmd := &cobra.Command{
		Use:   "load <csv>",
		Short: "Load a flat CSV into a database table",
		Long: `load creates the table when missing, one text column per CSV column,
and inserts every row. With --row-hash a unique row_hash column is added
and rows already present are skipped, so a load can be re-run safely.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !(config.Storage{Kind: kind}).LoadEnabled() {
				return usagef("load: --kind is required (sqlite|postgres|mssql)")
			}
			if strings.TrimSpace(dsn) == "" {
				return usagef("load: --dsn is required")
			}
			base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			table = firstNonEmpty(table, source.ContentTypeFromPath(path), base)

			return a.withMetrics(cmd.Context(), "load", func(ctx context.Context) error {
				repo, err := a.deps.openRepo(ctx, storage.Config{Kind: kind, DSN: dsn})
				if err != nil {
					return perr.Wrap(err, perr.KindIO, "open "+kind)
				}
				defer repo.Close()

				res, err := loader.Load(ctx, repo, path, loader.Options{
					Table:     table,
					BatchSize: batchSize,
					Workers:   workers,
					RowHash:   rowHash,
					Reader:    config.Options{"comma": string(config.Output{Delimiter: delimiter}.Comma())},
					Progress:  a.progress(),
					Logger:    a.named("loader"),
				})
				if err != nil {
					return err
				}
				if len(res.Columns) == 0 {
					fmt.Fprintf(a.stdout, "nothing to do: %s is empty\n", path)
					return nil
				}
				fmt.Fprintf(a.stdout, "loaded %d of %d rows into %s (%d rejected)\n", res.Inserted, res.Read, res.Table, res.Rejected)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&kind, "kind", "", "storage backend (sqlite|postgres|mssql)")
	fl.StringVar(&dsn, "dsn", "", "database DSN")
	fl.StringVar(&table, "table", "", "target table (default: content type or file name)")
	fl.StringVar(&delimiter, "delimiter", ",", `CSV delimiter; "\t" for tab`)
	fl.IntVar(&batchSize, "batch-size", config.DefaultBatchSize, "rows per insert batch")
	fl.IntVar(&workers, "workers", 1, "concurrent insert workers")
	fl.BoolVar(&rowHash, "row-hash", false, "add a unique row_hash column and skip rows already present")
	return cmd
}
