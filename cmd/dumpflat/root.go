package main

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dumpflat/internal/config"
	"dumpflat/internal/logger"
	"dumpflat/internal/progress"
)

// app is the state shared by the commands of one invocation.
type app struct {
	deps   appDeps
	stdout io.Writer
	stderr io.Writer

	logLevel       string
	logFormat      string
	metricsBackend string
	settingsDir    string
	progressEvery  time.Duration
	quiet          bool

	log *zerolog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "dumpflat",
		Short:         "Convert Discogs XML dumps into flat CSV tables",
		Long:          "dumpflat splits a Discogs XML dump into record chunks, discovers every\nfield path across all records and writes one flat row per record.",
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			l := logger.New(logger.Options{
				Level:  a.logLevel,
				Format: a.logFormat,
				Writer: zerolog.SyncWriter(a.stderr),
			})
			a.log = &l
			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return usagef("a command is required")
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (trace|debug|info|warn|error|off)")
	pf.StringVar(&a.logFormat, "log-format", envOr("LOG_FORMAT", "console"), "log format (console|json)")
	pf.StringVar(&a.metricsBackend, "metrics-backend", os.Getenv("METRICS_BACKEND"), "metrics backend (none|datadog)")
	pf.StringVar(&a.settingsDir, "settings-dir", os.Getenv("DUMPFLAT_HOME"), "settings directory (default ~/.dumpflat)")
	pf.DurationVar(&a.progressEvery, "progress-every", 5*time.Second, "interval between progress log lines")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress progress lines")

	root.AddCommand(
		newConvertCmd(a),
		newChunkCmd(a),
		newColumnsCmd(a),
		newEmitCmd(a),
		newLoadCmd(a),
		newListCmd(a),
		newFetchCmd(a),
		newExtractCmd(a),
		newConfigCmd(a),
	)
	return root
}

// usageArgs marks argument validation failures as usage errors.
func usageArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func (a *app) named(component string) *zerolog.Logger {
	if a.log == nil {
		return logger.Nop()
	}
	l := a.log.With().Str("component", component).Logger()
	return &l
}

// progress returns the reporter for long-running stages.
func (a *app) progress() progress.Reporter {
	if a.quiet {
		return progress.Nop{}
	}
	return progress.NewLog(a.named("progress"), a.progressEvery)
}

// withMetrics runs fn with the configured metrics backend installed and
// flushed afterwards.
func (a *app) withMetrics(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	cleanup, err := a.deps.initMetrics(ctx, job, a.metricsBackend)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx)
}

func (a *app) settings() (*config.Settings, error) {
	return a.deps.openSettings(a.settingsDir)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
