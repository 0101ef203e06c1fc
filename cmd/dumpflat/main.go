// Command dumpflat turns Discogs XML dumps into flat tables.
//
//	dumpflat convert discogs_20240101_releases.xml
//	dumpflat fetch releases --extract
//	dumpflat load discogs_20240101_releases.csv --kind sqlite --dsn out.db
//
// Exit codes: 0 on success (including "nothing to do"), 1 when a run
// fails, 2 for usage and configuration errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dumpflat/internal/config"
	perr "dumpflat/internal/errors"
	"dumpflat/internal/logger"
	"dumpflat/internal/metrics"
	"dumpflat/internal/metrics/datadog"
	"dumpflat/internal/pipeline"
	"dumpflat/internal/progress"
	"dumpflat/internal/source"
	"dumpflat/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "dumpflat/internal/storage/all"
)

const (
	exitOK    = 0
	exitRun   = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runner is the part of *pipeline.Runner the CLI drives.
type runner interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
}

// appDeps holds the side-effecting seams of the CLI so tests can replace
// them.
type appDeps struct {
	newRunner     func(cfg config.Pipeline, log *zerolog.Logger, rep progress.Reporter) runner
	initMetrics   func(ctx context.Context, job, backend string) (func(), error)
	openRepo      func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	openSettings  func(dir string) (*config.Settings, error)
	newLister     func(baseURL string) source.Lister
	newDownloader func(log *zerolog.Logger, rep progress.Reporter) source.Downloader
}

func defaultDeps() appDeps {
	return appDeps{
		newRunner: func(cfg config.Pipeline, log *zerolog.Logger, rep progress.Reporter) runner {
			r := pipeline.NewRunner(cfg)
			r.Logger = log
			r.Progress = rep
			return r
		},
		initMetrics:  initMetrics,
		openRepo:     storage.New,
		openSettings: config.OpenSettings,
		newLister: func(baseURL string) source.Lister {
			return source.NewS3Lister(baseURL, nil)
		},
		newDownloader: func(log *zerolog.Logger, rep progress.Reporter) source.Downloader {
			d := source.NewHTTPDownloader(log)
			d.Progress = rep
			return d
		},
	}
}

// runMain executes one CLI invocation and returns the process exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	a := &app{deps: deps, stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		fmt.Fprintf(stderr, "dumpflat: %v\n", err)
		if code == exitUsage {
			fmt.Fprintln(stderr, "run 'dumpflat --help' for usage")
		}
	}
	return code
}

// usageError marks command-line mistakes: bad flags, wrong argument
// counts, unknown commands.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, a ...any) error {
	return usageError{err: fmt.Errorf(format, a...)}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ue usageError
	if errors.As(err, &ue) || perr.IsKind(err, perr.KindConfig) {
		return exitUsage
	}
	// cobra reports unknown subcommands as plain errors.
	if strings.HasPrefix(err.Error(), "unknown command") {
		return exitUsage
	}
	return exitRun
}

// metricsBackend is what initMetrics needs from a concrete backend.
type metricsBackend interface {
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = func(format string, v ...any) {
		logger.Named("metrics").Warn().Msgf(format, v...)
	}
)

// initMetrics installs the named metrics backend for job. The returned
// cleanup is never nil and flushes the backend.
//
// A datadog backend that cannot be built is logged and metrics stay
// disabled; the run itself is not affected.
func initMetrics(ctx context.Context, job, backend string) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		if job == "" {
			job = config.DefaultJob
		}
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			logPrintf("metrics: failed to init datadog backend: %v; using nop", err)
			return noop, nil
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return noop, perr.Configf("unknown metrics backend %q (want none|datadog)", backend)
	}
}
