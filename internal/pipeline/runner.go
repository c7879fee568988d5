// Package pipeline runs one configured reshape job: read rows, reshape them,
// export the columns and optionally load them into a database.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rowshape/internal/config"
	"rowshape/internal/export"
	"rowshape/internal/metrics"
	"rowshape/internal/parser/delimited"
	"rowshape/internal/parser/htmltable"
	"rowshape/internal/parser/jsonrows"
	"rowshape/internal/reshape"
	"rowshape/internal/storage"
)

// Logger is the minimal logging interface used by the runner.
// *logrus.Logger and *log.Logger satisfy it.
type Logger interface {
	Printf(format string, v ...any)
}

type Runner struct {
	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	Logger Logger

	// In is read when source.kind=stdin; Out receives output.path "-" or "".
	In  io.Reader
	Out io.Writer
}

func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		NewRepository: storage.New,
		Logger:        logger,
		In:            os.Stdin,
		Out:           os.Stdout,
	}
}

// Run executes cfg and returns the reshaped columns.
//
// Errors from the providers (*parser.InputAccessError) and from reshape
// (*reshape.PatternError, *reshape.FieldAbsentError, reshape.ErrInvalidRules)
// are returned as is. Nothing is written to the output or the database when
// reading or reshaping fails.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) (*reshape.Columns, error) {
	if issues := config.ValidatePipeline(cfg); config.HasErrors(issues) {
		return nil, fmt.Errorf("invalid pipeline: %s", describeErrors(issues))
	}
	logf := r.logger()

	policy, err := reshape.ParseMissingPolicy(cfg.Reshape.OnMissing)
	if err != nil {
		return nil, err
	}

	var rows []reshape.Row
	if err := r.stage("read", func() error {
		rows, err = r.readRows(ctx, cfg)
		return err
	}); err != nil {
		return nil, err
	}
	metrics.AddRecords("rows_in", len(rows))
	metrics.AddRecords("tokens_in", countTokens(rows))

	var cols *reshape.Columns
	if err := r.stage("reshape", func() error {
		cols, err = reshape.ReshapeContext(ctx, rows, cfg.Reshape.MultiField, cfg.Reshape.SingleFields,
			reshape.WithMissing(policy),
			reshape.WithWorkers(cfg.Runtime.Workers),
		)
		return err
	}); err != nil {
		return nil, err
	}
	multiTokens := 0
	for _, m := range cols.Multi {
		multiTokens += len(m)
	}
	metrics.AddRecords("tokens_multi", multiTokens)
	if cfg.Runtime.DebugTimings {
		logf("stage=reshape rows=%d fields=%d multi_tokens=%d workers=%d", cols.Rows(), len(cfg.Reshape.SingleFields), multiTokens, cfg.Runtime.Workers)
	}

	if err := r.stage("output", func() error { return r.writeOutput(cfg.Output, cols) }); err != nil {
		return cols, err
	}

	if cfg.Storage != nil {
		var res storage.WriteResult
		if err := r.stage("store", func() error {
			res, err = r.store(ctx, cfg, cols, rows)
			return err
		}); err != nil {
			return cols, err
		}
		metrics.AddRecords("rows_stored", int(res.Written()))
		logf("stage=store table=%s inserted=%d updated=%d unchanged=%d", cfg.Storage.DB.Table, res.Inserted, res.Updated, res.Unchanged)
	}

	return cols, nil
}

func (r *Runner) readRows(ctx context.Context, cfg config.Pipeline) ([]reshape.Row, error) {
	path := ""
	if cfg.Source.Kind == "file" {
		path = cfg.Source.File.Path
	}

	switch cfg.Parser.Kind {
	case "delimited":
		opt := delimited.OptionsFrom(cfg.Parser.Options)
		if path != "" {
			return delimited.ReadFile(ctx, path, opt)
		}
		return delimited.ReadRows(ctx, r.stdin(), opt)

	case "html_table":
		opt := htmltable.OptionsFrom(cfg.Parser.Options)
		if path != "" {
			return htmltable.ReadFile(ctx, path, opt)
		}
		return htmltable.ReadRows(ctx, r.stdin(), opt)

	case "json":
		opt := jsonrows.OptionsFrom(cfg.Parser.Options)
		if path != "" {
			return jsonrows.ReadFile(ctx, path, opt)
		}
		return jsonrows.ReadRows(ctx, r.stdin(), opt)

	default:
		return nil, fmt.Errorf("unsupported parser.kind=%s", cfg.Parser.Kind)
	}
}

func (r *Runner) writeOutput(out config.Output, cols *reshape.Columns) error {
	format := out.Format
	if format == "" {
		format = "json"
	}

	var render func(io.Writer) error
	switch format {
	case "none":
		return nil
	case "json":
		render = func(w io.Writer) error {
			if out.Pretty {
				return export.WriteJSONIndent(w, cols, "  ")
			}
			return export.WriteJSON(w, cols)
		}
	case "csv":
		if !cols.Aligned() {
			return export.ErrMisaligned
		}
		render = func(w io.Writer) error { return export.WriteCSV(w, cols) }
	default:
		return fmt.Errorf("unsupported output.format=%s", format)
	}

	if out.Path == "" || out.Path == "-" {
		w := r.Out
		if w == nil {
			w = os.Stdout
		}
		return render(w)
	}
	return writeFileAtomic(out.Path, render)
}

// writeFileAtomic renders into a temp file next to path and renames it into
// place, so a failed run leaves an existing file untouched.
func writeFileAtomic(path string, render func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rowshape-*")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	tmpName := tmp.Name()

	writeErr := render(tmp)
	if writeErr == nil {
		writeErr = tmp.Chmod(0o644)
	}
	closeErr := tmp.Close()

	if writeErr != nil {
		_ = os.Remove(tmpName)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close output: %w", closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace output: %w", err)
	}
	return nil
}

func (r *Runner) store(ctx context.Context, cfg config.Pipeline, cols *reshape.Columns, rows []reshape.Row) (storage.WriteResult, error) {
	newRepo := r.NewRepository
	if newRepo == nil {
		newRepo = storage.New
	}

	repo, err := newRepo(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DB.DSN})
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("open storage: %w", err)
	}
	defer repo.Close()

	spec := storage.SpecFor(cfg.Storage.DB.Table, cols)
	return storage.Load(ctx, repo, spec, cols, rows, cfg.Runtime.BatchSize)
}

// stage runs fn, logs its outcome and records step metrics.
func (r *Runner) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	metrics.RecordStep(name, err, d)

	if err != nil {
		r.logger()("stage=%s status=error duration=%s err=%v", name, durMS(d), err)
		return err
	}
	r.logger()("stage=%s ok duration=%s", name, durMS(d))
	return nil
}

func (r *Runner) logger() func(format string, v ...any) {
	if r.Logger == nil {
		return func(string, ...any) {}
	}
	return r.Logger.Printf
}

func (r *Runner) stdin() io.Reader {
	if r.In == nil {
		return os.Stdin
	}
	return r.In
}

func durMS(d time.Duration) time.Duration { return d.Truncate(time.Millisecond) }

func countTokens(rows []reshape.Row) int {
	n := 0
	for _, row := range rows {
		n += len(row)
	}
	return n
}

func describeErrors(issues []config.Issue) string {
	var parts []string
	for _, iss := range issues {
		if iss.Severity == config.SeverityError {
			parts = append(parts, iss.Path+": "+iss.Message)
		}
	}
	return strings.Join(parts, "; ")
}
