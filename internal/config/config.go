// Package config defines the JSON pipeline document consumed by rowshape.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"rowshape/internal/reshape"
)

type Pipeline struct {
	Job     string   `json:"job"`
	Source  Source   `json:"source"`
	Parser  Parser   `json:"parser"`
	Reshape Reshape  `json:"reshape"`
	Output  Output   `json:"output"`
	Storage *Storage `json:"storage,omitempty"`
	Runtime Runtime  `json:"runtime"`
}

type Source struct {
	Kind string      `json:"kind"` // "file" | "stdin"
	File *FileSource `json:"file,omitempty"`
}

type FileSource struct {
	Path string `json:"path"`
}

type Parser struct {
	Kind    string  `json:"kind"` // "delimited" | "html_table" | "json"
	Options Options `json:"options"`
}

// Reshape carries the field rules. SingleFields is a JSON array so that
// rule order survives decoding.
type Reshape struct {
	MultiField   string        `json:"multi_field"`
	SingleFields reshape.Rules `json:"single_fields"`
	OnMissing    string        `json:"on_missing,omitempty"` // "error" | "skip" | "placeholder"
}

type Output struct {
	Format string `json:"format"` // "json" | "csv" | "none"
	Path   string `json:"path"`   // "-" or empty for stdout

	// Pretty indents json output.
	Pretty bool `json:"pretty,omitempty"`
}

type Storage struct {
	// Backend kind: "postgres" | "mssql" | "sqlite"
	Kind string `json:"kind"`
	DB   DB     `json:"db"`
}

type DB struct {
	DSN   string `json:"dsn"`
	Table string `json:"table"`
}

// Runtime controls execution behavior.
type Runtime struct {
	// Workers parallelises row matching within one rule pass.
	Workers   int `json:"workers"`
	BatchSize int `json:"batch_size"`

	DebugTimings bool `json:"debug_timings"`
}

// Load reads and decodes a pipeline document. The storage DSN is expanded
// with os.ExpandEnv.
func Load(path string) (Pipeline, error) {
	var p Pipeline

	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode config %s: %w", path, err)
	}
	if p.Storage != nil {
		p.Storage.DB.DSN = os.ExpandEnv(p.Storage.DB.DSN)
	}
	return p, nil
}
