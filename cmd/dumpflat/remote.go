package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dumpflat/internal/config"
	"dumpflat/internal/progress"
	"dumpflat/internal/source"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the files of the latest published dump",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			return a.withMetrics(cmd.Context(), "list", func(ctx context.Context) error {
				entries, err := a.deps.newLister(s.ListingURL()).Latest(ctx)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(a.stdout, "nothing to do: no dump files published")
					return nil
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "MONTH\tTYPE\tSIZE\tKEY")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Month, e.ContentType, humanize.Bytes(uint64(max(e.Size, 0))), e.Key)
				}
				return tw.Flush()
			})
		},
	}
}

func newFetchCmd(a *app) *cobra.Command {
	var (
		dir           string
		extract       bool
		deleteArchive bool
	)
	cmd := &cobra.Command{
		Use:   "fetch [content-type...]",
		Short: "Download the latest dump files",
		Long: `fetch downloads the .gz files of the latest dump into
<dir>/Datasets/<YYYY-MM>/. Without arguments every content type is
fetched; otherwise only the named ones (artists, labels, masters,
releases).`,
		Args: usageArgs(cobra.ArbitraryArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			want := make(map[string]bool, len(args))
			for _, arg := range args {
				ct := strings.ToLower(strings.TrimSpace(arg))
				if !slices.Contains(source.ContentTypes, ct) {
					return usagef("fetch: unknown content type %q (want one of %s)", arg, strings.Join(source.ContentTypes, ", "))
				}
				want[ct] = true
			}

			s, err := a.settings()
			if err != nil {
				return err
			}
			target := firstNonEmpty(dir, s.DownloadDir())

			return a.withMetrics(cmd.Context(), "fetch", func(ctx context.Context) error {
				entries, err := a.deps.newLister(s.ListingURL()).Latest(ctx)
				if err != nil {
					return err
				}
				var picked []source.Entry
				for _, e := range entries {
					if len(want) == 0 || want[e.ContentType] {
						picked = append(picked, e)
					}
				}
				if len(picked) == 0 {
					fmt.Fprintln(a.stdout, "nothing to do: no matching dump files")
					return nil
				}

				rep := progress.Multi(a.progress(), &progress.Metrics{})
				paths, err := a.deps.newDownloader(a.named("fetch"), rep).Download(ctx, picked, target)
				errs := []error{err}
				for _, p := range paths {
					if p == "" {
						continue
					}
					if !extract {
						fmt.Fprintln(a.stdout, p)
						continue
					}
					out, xerr := source.ExtractGz(ctx, p, deleteArchive, a.progress())
					if xerr != nil {
						errs = append(errs, xerr)
						continue
					}
					fmt.Fprintln(a.stdout, out)
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "download directory (default: download_dir setting)")
	cmd.Flags().BoolVarP(&extract, "extract", "x", false, "decompress each file after download")
	cmd.Flags().BoolVar(&deleteArchive, "delete-archive", false, "remove the .gz after a successful --extract")
	return cmd
}

func newExtractCmd(a *app) *cobra.Command {
	var deleteOriginal bool
	cmd := &cobra.Command{
		Use:   "extract <file.gz>...",
		Short: "Decompress downloaded .gz dumps next to themselves",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMetrics(cmd.Context(), "extract", func(ctx context.Context) error {
				var errs []error
				for _, p := range args {
					out, err := source.ExtractGz(ctx, p, deleteOriginal, a.progress())
					if err != nil {
						errs = append(errs, err)
						continue
					}
					fmt.Fprintln(a.stdout, out)
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().BoolVar(&deleteOriginal, "delete", false, "remove each .gz after it was extracted")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change persistent settings",
		Long:  "Settings live in <settings-dir>/config.toml. Known keys: " + strings.Join(config.Keys(), ", ") + ".",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(_ *cobra.Command, _ []string) error {
			return usagef("config: a subcommand is required (get|set)")
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting, or its default when unset",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			switch args[0] {
			case config.KeyDownloadDir:
				fmt.Fprintln(a.stdout, s.DownloadDir())
			case config.KeyListingURL:
				fmt.Fprintln(a.stdout, s.ListingURL())
			default:
				return usagef("config: unknown setting %q (known: %s)", args[0], strings.Join(config.Keys(), ", "))
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			if err := s.Set(args[0], args[1]); err != nil {
				return err
			}
			v, _ := s.Get(args[0])
			fmt.Fprintf(a.stdout, "%s = %s\n", args[0], v)
			return nil
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}
