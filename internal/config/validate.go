package config

import (
	"fmt"
	"strings"

	"rowshape/internal/reshape"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is a JSON-ish pointer into the
// pipeline document, e.g. "reshape.single_fields[1].pattern".
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidatePipeline checks p without touching the filesystem or a database.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	switch p.Source.Kind {
	case "file":
		if p.Source.File == nil || strings.TrimSpace(p.Source.File.Path) == "" {
			add(SeverityError, "source.file.path", "required when source.kind=file")
		}
	case "stdin":
	default:
		add(SeverityError, "source.kind", "must be file or stdin, got %q", p.Source.Kind)
	}

	switch p.Parser.Kind {
	case "delimited", "html_table", "json":
	default:
		add(SeverityError, "parser.kind", "must be delimited, html_table or json, got %q", p.Parser.Kind)
	}
	if p.Parser.Kind == "delimited" {
		if d := p.Parser.Options.String("delimiter", ","); d == "" {
			add(SeverityError, "parser.options.delimiter", "must not be empty")
		}
	}

	r := p.Reshape
	if strings.TrimSpace(r.MultiField) == "" {
		add(SeverityError, "reshape.multi_field", "required")
	}
	if len(r.SingleFields) == 0 {
		add(SeverityWarning, "reshape.single_fields", "no single fields; every token goes to %q", r.MultiField)
	}
	seen := map[string]int{}
	for i, f := range r.SingleFields {
		path := fmt.Sprintf("reshape.single_fields[%d]", i)
		if f.Name == "" {
			add(SeverityError, path+".name", "required")
			continue
		}
		if j, dup := seen[f.Name]; dup {
			add(SeverityError, path+".name", "duplicate of reshape.single_fields[%d] (%q)", j, f.Name)
		}
		seen[f.Name] = i
		if f.Name == r.MultiField {
			add(SeverityError, path+".name", "collides with reshape.multi_field %q", f.Name)
		}
		if _, err := f.Compile(); err != nil {
			add(SeverityError, path+".pattern", "%v", err)
		}
	}
	if _, err := reshape.ParseMissingPolicy(r.OnMissing); err != nil {
		add(SeverityError, "reshape.on_missing", "%v", err)
	}

	switch p.Output.Format {
	case "", "json", "none":
	case "csv":
		if r.OnMissing == string(reshape.MissingSkip) {
			add(SeverityWarning, "output.format", "csv needs aligned columns; on_missing=skip fails on any missing field")
		}
	default:
		add(SeverityError, "output.format", "must be json, csv or none, got %q", p.Output.Format)
	}

	if s := p.Storage; s != nil {
		switch s.Kind {
		case "sqlite", "postgres", "mssql":
		default:
			add(SeverityError, "storage.kind", "must be sqlite, postgres or mssql, got %q", s.Kind)
		}
		if strings.TrimSpace(s.DB.DSN) == "" {
			add(SeverityError, "storage.db.dsn", "required")
		}
		if strings.TrimSpace(s.DB.Table) == "" {
			add(SeverityError, "storage.db.table", "required")
		}
	}

	if p.Runtime.Workers < 0 {
		add(SeverityWarning, "runtime.workers", "negative value ignored")
	}
	if p.Runtime.BatchSize < 0 {
		add(SeverityWarning, "runtime.batch_size", "negative value ignored")
	}

	return out
}
