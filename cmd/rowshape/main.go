// Command rowshape reshapes rows of loosely ordered tokens into aligned
// columns, either from a pipeline config (run, validate) or ad hoc (reshape).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"rowshape/internal/config"
	"rowshape/internal/metrics"
	"rowshape/internal/metrics/datadog"
	"rowshape/internal/pipeline"
	"rowshape/internal/reshape"

	// register all backends with the storage factory.
	_ "rowshape/internal/storage/all"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

// runner is the part of *pipeline.Runner the CLI drives.
type runner interface {
	Run(ctx context.Context, cfg config.Pipeline) (*reshape.Columns, error)
}

// appDeps are the side-effecting seams of the CLI.
type appDeps struct {
	loadEnv     func(path string) error
	loadConfig  func(path string) (config.Pipeline, error)
	newRunner   func(log *logrus.Logger, in io.Reader, out io.Writer) runner
	initMetrics func(ctx context.Context, backend, job string, log *logrus.Logger) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadEnv:    loadEnvFile,
		loadConfig: config.Load,
		newRunner: func(log *logrus.Logger, in io.Reader, out io.Writer) runner {
			r := pipeline.NewDefaultRunner(log)
			r.In, r.Out = in, out
			return r
		},
		initMetrics: initMetrics,
	}
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, a ...any) error { return usageError{fmt.Errorf(format, a...)} }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain executes the CLI and returns the process exit code: 0 on success,
// 1 on failure, 2 on usage errors.
func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(deps, stdin, stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "rowshape: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	return exitFail
}

type rootFlags struct {
	verbose bool
	envFile string
}

func newRootCmd(deps appDeps, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var rf rootFlags

	root := &cobra.Command{
		Use:           "rowshape",
		Short:         "Reshape rows of mixed tokens into aligned columns",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := deps.loadEnv(rf.envFile); err != nil {
				return fmt.Errorf("load env: %w", err)
			}
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	root.PersistentFlags().BoolVarP(&rf.verbose, "verbose", "v", false, "enable verbose logs")
	root.PersistentFlags().StringVar(&rf.envFile, "env-file", ".env", "dotenv file to load if present")

	newLogger := func() *logrus.Logger {
		log := logrus.New()
		log.SetOutput(stderr)
		log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
		log.SetLevel(logrus.InfoLevel)
		if rf.verbose {
			log.SetLevel(logrus.DebugLevel)
		}
		return log
	}

	root.AddCommand(
		newRunCmd(deps, newLogger, stdin, stdout, stderr),
		newValidateCmd(deps, stdout, stderr),
		newReshapeCmd(deps, newLogger, stdin, stdout),
	)
	return root
}

func newRunCmd(deps appDeps, newLogger func() *logrus.Logger, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var cfgPath, metricsBackend string

	cmd := &cobra.Command{
		Use:   "run --config FILE",
		Short: "Run a pipeline config",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(cfgPath) == "" {
				return usagef("usage: rowshape run --config FILE")
			}
			log := newLogger()

			p, err := deps.loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := reportIssues(stderr, config.ValidatePipeline(p)); err != nil {
				return err
			}

			backend := metricsBackend
			if backend == "" {
				backend = os.Getenv("METRICS_BACKEND")
			}
			cleanup, err := deps.initMetrics(cmd.Context(), backend, p.Job, log)
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			defer cleanup()

			log.Debugf("pipeline: job=%s source=%s parser=%s output=%s", p.Job, p.Source.Kind, p.Parser.Kind, p.Output.Format)
			start := time.Now()
			cols, err := deps.newRunner(log, stdin, stdout).Run(cmd.Context(), p)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			log.Infof("completed rows=%d in %s", cols.Rows(), time.Since(start).Truncate(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "pipeline config JSON path")
	cmd.Flags().StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: none or datadog (default from METRICS_BACKEND)")
	return cmd
}

func newValidateCmd(deps appDeps, stdout, stderr io.Writer) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "validate --config FILE",
		Short: "Validate a pipeline config and exit",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(cfgPath) == "" {
				return usagef("usage: rowshape validate --config FILE")
			}
			p, err := deps.loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := reportIssues(stderr, config.ValidatePipeline(p)); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "configuration is valid: %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "pipeline config JSON path")
	return cmd
}

type reshapeFlags struct {
	multi     string
	fields    []string
	parser    string
	encoding  string
	delimiter string
	noHeader  bool
	trimSpace bool
	format    string
	output    string
	pretty    bool
	onMissing string
	workers   int
}

func newReshapeCmd(deps appDeps, newLogger func() *logrus.Logger, stdin io.Reader, stdout io.Writer) *cobra.Command {
	var f reshapeFlags

	cmd := &cobra.Command{
		Use:   "reshape FILE --multi NAME --field name=pattern...",
		Short: "Reshape one file without a config (FILE '-' reads stdin)",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usagef("reshape takes exactly one FILE argument, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("pretty") && f.output == "-" {
				f.pretty = isTerminal(stdout)
			}
			p, err := f.pipeline(args[0])
			if err != nil {
				return err
			}
			if err := reportIssues(cmd.ErrOrStderr(), config.ValidatePipeline(p)); err != nil {
				return usageError{err}
			}
			// Stage lines only with -v; stdout may be the data stream.
			log := newLogger()
			if log.GetLevel() < logrus.DebugLevel {
				log.SetLevel(logrus.WarnLevel)
			}
			_, err = deps.newRunner(log, stdin, stdout).Run(cmd.Context(), p)
			return err
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.multi, "multi", "", "name of the multi field (required)")
	fl.StringArrayVar(&f.fields, "field", nil, "single field as name=pattern; repeat in priority order")
	fl.StringVar(&f.parser, "parser", "delimited", "input format: delimited, html_table or json")
	fl.StringVar(&f.encoding, "encoding", "utf-8", "input encoding label (utf-8, shift_jis, ...; auto for html_table)")
	fl.StringVar(&f.delimiter, "delimiter", ",", "field delimiter")
	fl.BoolVar(&f.noHeader, "no-header", false, "the first line is data, not a header")
	fl.BoolVar(&f.trimSpace, "trim-space", false, "trim spaces around tokens")
	fl.StringVar(&f.format, "format", "json", "output format: json or csv")
	fl.StringVarP(&f.output, "output", "o", "-", "output path ('-' for stdout)")
	fl.BoolVar(&f.pretty, "pretty", false, "indent json output (default on when stdout is a terminal)")
	fl.StringVar(&f.onMissing, "on-missing", string(reshape.MissingError), "missing single field policy: error, skip or placeholder")
	fl.IntVar(&f.workers, "workers", 0, "row-matching workers per rule pass")
	return cmd
}

// pipeline builds the equivalent pipeline config for the reshape command.
func (f reshapeFlags) pipeline(file string) (config.Pipeline, error) {
	if strings.TrimSpace(f.multi) == "" {
		return config.Pipeline{}, usagef("--multi is required")
	}
	rules, err := parseFieldFlags(f.fields)
	if err != nil {
		return config.Pipeline{}, err
	}

	src := config.Source{Kind: "file", File: &config.FileSource{Path: file}}
	if file == "-" {
		src = config.Source{Kind: "stdin"}
	}

	opts := config.Options{"has_header": !f.noHeader}
	switch f.parser {
	case "delimited":
		opts["encoding"] = f.encoding
		opts["delimiter"] = f.delimiter
		opts["trim_space"] = f.trimSpace
	case "html_table":
		opts["encoding"] = f.encoding
	}

	return config.Pipeline{
		Job:     "reshape",
		Source:  src,
		Parser:  config.Parser{Kind: f.parser, Options: opts},
		Reshape: config.Reshape{MultiField: f.multi, SingleFields: rules, OnMissing: f.onMissing},
		Output:  config.Output{Format: f.format, Path: f.output, Pretty: f.pretty},
		Runtime: config.Runtime{Workers: f.workers},
	}, nil
}

// parseFieldFlags turns "name=pattern" values into ordered rules. The
// pattern is everything after the first '='.
func parseFieldFlags(vals []string) (reshape.Rules, error) {
	rules := make(reshape.Rules, 0, len(vals))
	for _, v := range vals {
		name, pattern, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, usagef("--field %q: want name=pattern", v)
		}
		rules = append(rules, reshape.Rule{Name: name, Pattern: pattern})
	}
	return rules, nil
}

// reportIssues prints every issue and fails when any is an error.
func reportIssues(w io.Writer, issues []config.Issue) error {
	for _, iss := range issues {
		fmt.Fprintf(w, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return errors.New("configuration is invalid")
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usagef("unexpected arguments: %s", strings.Join(args, " "))
	}
	return nil
}

// loadEnvFile loads path with godotenv; a missing file is not an error.
// Variables already set in the environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// initMetrics installs the selected metrics backend and returns its cleanup.
// Unknown backends log a warning and leave metrics disabled.
func initMetrics(ctx context.Context, backend, job string, log *logrus.Logger) (func(), error) {
	switch backend {
	case "", "none":
		log.Debugf("metrics: disabled (backend=%q)", backend)
		return func() {}, nil

	case "datadog":
		if job == "" {
			job = "rowshape"
		}
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))

		b, err := datadog.NewBackend(ctx, datadog.Options{JobName: job, Tags: tags})
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"backend": backend, "job": job, "tags": tags}).Info("metrics enabled")
		metrics.SetBackend(b)

		return func() {
			if err := b.Close(); err != nil {
				log.Warnf("metrics: datadog close/flush error: %v", err)
			}
			metrics.SetBackend(nil)
		}, nil

	default:
		log.Warnf("metrics: unknown backend %q; metrics disabled", backend)
		return func() {}, nil
	}
}
