package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to create a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository persists reshaped frames into a base table and an items table.
//
// Writes are keyed by row_no and compared by row_hash. A new row_no is
// inserted, an existing one with a different hash is overwritten (singles
// updated, items replaced) and one with the same hash is left alone, so
// loading the same frame twice leaves the tables unchanged. Each backend
// does the insert half in its own idiom (Postgres ON CONFLICT, SQLite OR
// IGNORE, SQL Server IF NOT EXISTS) followed by a hash-guarded UPDATE.
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// EnsureTables creates the base and items tables if they do not exist.
	EnsureTables(ctx context.Context, spec FrameSpec) error

	// WriteRecords writes records inside one transaction and reports what
	// happened to their base rows.
	WriteRecords(ctx context.Context, spec FrameSpec, recs []Record) (WriteResult, error)
}

// WriteResult counts base rows by outcome.
type WriteResult struct {
	Inserted  int64 // row_no was new
	Updated   int64 // row_hash differed; singles and items were replaced
	Unchanged int64 // row_hash matched
}

// Add accumulates o into w.
func (w *WriteResult) Add(o WriteResult) {
	w.Inserted += o.Inserted
	w.Updated += o.Updated
	w.Unchanged += o.Unchanged
}

// Written is the number of base rows the write changed.
func (w WriteResult) Written() int64 { return w.Inserted + w.Updated }

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
// Call it from an init() function in the backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
