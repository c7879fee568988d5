// Frame schema types live here so both the pipeline and the backend packages
// can import them without circular deps.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"rowshape/internal/reshape"
)

// Fixed column names of the frame layout.
const (
	ColRowNo    = "row_no"
	ColRowHash  = "row_hash"
	ColPosition = "position"
	ColValue    = "value"
)

// ErrMisaligned is returned when columns do not have one value per row.
var ErrMisaligned = errors.New("storage: columns are not aligned")

// FrameSpec describes where one reshaped frame is stored.
//
// Layout:
//
//	<Table>       (row_no PK, <SingleColumns...> TEXT NULL, row_hash)
//	<Table>_items (row_no, position, value) PK (row_no, position)
//
// Table may be schema-qualified ("dbo.customers"); the items table shares
// the schema.
type FrameSpec struct {
	Table         string
	SingleColumns []string
	MultiName     string
}

// ItemsTable returns the name of the table holding the multi field.
func (s FrameSpec) ItemsTable() string { return s.Table + "_items" }

// Validate checks the frame can be turned into DDL.
func (s FrameSpec) Validate() error {
	if strings.TrimSpace(s.Table) == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	seen := map[string]bool{ColRowNo: true, ColRowHash: true}
	for _, c := range s.SingleColumns {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("storage: empty column name in %s", s.Table)
		}
		if seen[c] {
			return fmt.Errorf("storage: column %q collides in %s", c, s.Table)
		}
		seen[c] = true
	}
	return nil
}

// SpecFor derives the frame spec of cols stored under table.
func SpecFor(table string, cols *reshape.Columns) FrameSpec {
	singles := make([]string, 0, len(cols.Order))
	for _, name := range cols.Order {
		if name != cols.MultiName {
			singles = append(singles, name)
		}
	}
	return FrameSpec{Table: table, SingleColumns: singles, MultiName: cols.MultiName}
}

// Record is one stored row. Singles align with FrameSpec.SingleColumns; a nil
// entry is stored as NULL.
type Record struct {
	RowNo   int64
	Singles []any
	Items   []string
	RowHash string
}

// RowHash returns the hex sha256 of the row's tokens joined with \x1f.
func RowHash(tokens []string) string {
	h := sha256.Sum256([]byte(strings.Join(tokens, "\x1f")))
	return hex.EncodeToString(h[:])
}

// Records converts aligned columns into records numbered from 1. rows are
// the input rows the columns were reshaped from and feed row_hash; they must
// match cols row for row.
//
// Placeholder cells (see reshape.MissingPlaceholder) become NULL.
func Records(spec FrameSpec, cols *reshape.Columns, rows []reshape.Row) ([]Record, error) {
	if !cols.Aligned() {
		return nil, ErrMisaligned
	}
	if len(rows) != cols.Rows() {
		return nil, fmt.Errorf("storage: %d input rows for %d reshaped rows", len(rows), cols.Rows())
	}

	out := make([]Record, cols.Rows())
	for y := range out {
		singles := make([]any, len(spec.SingleColumns))
		for i, name := range spec.SingleColumns {
			if cols.IsAbsent(name, y) {
				continue
			}
			singles[i] = cols.Singles[name][y]
		}
		out[y] = Record{
			RowNo:   int64(y + 1),
			Singles: singles,
			Items:   cols.Multi[y],
			RowHash: RowHash(rows[y]),
		}
	}
	return out, nil
}

// Load ensures the frame tables exist and writes cols in batches of
// batchSize records (all at once when batchSize <= 0). The result covers the
// batches that committed, also when a later one fails.
func Load(ctx context.Context, repo Repository, spec FrameSpec, cols *reshape.Columns, rows []reshape.Row, batchSize int) (WriteResult, error) {
	var total WriteResult
	if err := spec.Validate(); err != nil {
		return total, err
	}
	recs, err := Records(spec, cols, rows)
	if err != nil {
		return total, err
	}
	if err := repo.EnsureTables(ctx, spec); err != nil {
		return total, fmt.Errorf("ensure tables: %w", err)
	}

	if batchSize <= 0 {
		batchSize = len(recs)
	}

	for start := 0; start < len(recs); start += batchSize {
		end := min(start+batchSize, len(recs))
		res, err := repo.WriteRecords(ctx, spec, recs[start:end])
		if err != nil {
			return total, fmt.Errorf("write records %d..%d: %w", start+1, end, err)
		}
		total.Add(res)
	}
	return total, nil
}
