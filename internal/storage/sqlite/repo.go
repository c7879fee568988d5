package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"rowshape/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// SQLite has no column types to speak of, so single columns are TEXT and a
// placeholder cell is stored as NULL. New rows go in with INSERT OR IGNORE
// against the primary key; existing ones are rewritten only when row_hash
// differs.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates the base and items tables. Safe to run on every load.
func (r *Repo) EnsureTables(ctx context.Context, spec storage.FrameSpec) error {
	baseSQL, itemsSQL, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, baseSQL); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Table, err)
	}
	if _, err := r.db.ExecContext(ctx, itemsSQL); err != nil {
		return fmt.Errorf("create table %s: %w", spec.ItemsTable(), err)
	}
	return nil
}

// WriteRecords writes recs in one transaction. A row whose row_no exists
// with a different row_hash is updated and its items rewritten.
func (r *Repo) WriteRecords(ctx context.Context, spec storage.FrameSpec, recs []storage.Record) (storage.WriteResult, error) {
	var out storage.WriteResult
	if len(recs) == 0 {
		return out, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer func() { _ = tx.Rollback() }()

	baseStmt, err := tx.PrepareContext(ctx, buildInsertBaseSQL(spec))
	if err != nil {
		return out, err
	}
	defer baseStmt.Close()

	updateStmt, err := tx.PrepareContext(ctx, buildUpdateBaseSQL(spec))
	if err != nil {
		return out, err
	}
	defer updateStmt.Close()

	deleteStmt, err := tx.PrepareContext(ctx, buildDeleteItemsSQL(spec))
	if err != nil {
		return out, err
	}
	defer deleteStmt.Close()

	itemStmt, err := tx.PrepareContext(ctx, buildInsertItemSQL(spec))
	if err != nil {
		return out, err
	}
	defer itemStmt.Close()

	var res storage.WriteResult
	args := make([]any, 0, len(spec.SingleColumns)+3)
	for _, rec := range recs {
		args = append(args[:0], rec.RowNo)
		args = append(args, rec.Singles...)
		args = append(args, rec.RowHash)

		ins, err := baseStmt.ExecContext(ctx, args...)
		if err != nil {
			return out, fmt.Errorf("insert row_no=%d: %w", rec.RowNo, err)
		}
		if n, _ := ins.RowsAffected(); n > 0 {
			res.Inserted++
		} else {
			args = append(args[:0], rec.Singles...)
			args = append(args, rec.RowHash, rec.RowNo, rec.RowHash)
			upd, err := updateStmt.ExecContext(ctx, args...)
			if err != nil {
				return out, fmt.Errorf("update row_no=%d: %w", rec.RowNo, err)
			}
			if n, _ := upd.RowsAffected(); n == 0 {
				res.Unchanged++
				continue
			}
			res.Updated++
			if _, err := deleteStmt.ExecContext(ctx, rec.RowNo); err != nil {
				return out, fmt.Errorf("delete items row_no=%d: %w", rec.RowNo, err)
			}
		}

		for pos, v := range rec.Items {
			if _, err := itemStmt.ExecContext(ctx, rec.RowNo, pos, v); err != nil {
				return out, fmt.Errorf("insert item row_no=%d position=%d: %w", rec.RowNo, pos, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return out, err
	}
	return res, nil
}

func buildCreateSQL(spec storage.FrameSpec) (baseSQL, itemsSQL string, err error) {
	if err := spec.Validate(); err != nil {
		return "", "", err
	}

	parts := []string{fmt.Sprintf("%s INTEGER PRIMARY KEY", sqlIdent(storage.ColRowNo))}
	for _, c := range spec.SingleColumns {
		parts = append(parts, fmt.Sprintf("%s TEXT", sqlIdent(c)))
	}
	parts = append(parts, fmt.Sprintf("%s TEXT NOT NULL", sqlIdent(storage.ColRowHash)))

	baseSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", tableIdent(spec.Table), strings.Join(parts, ",\n  "))

	itemsSQL = fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n  %s INTEGER NOT NULL,\n  %s INTEGER NOT NULL,\n  %s TEXT NOT NULL,\n  PRIMARY KEY (%s, %s)\n);",
		tableIdent(spec.ItemsTable()),
		sqlIdent(storage.ColRowNo), sqlIdent(storage.ColPosition), sqlIdent(storage.ColValue),
		sqlIdent(storage.ColRowNo), sqlIdent(storage.ColPosition),
	)
	return baseSQL, itemsSQL, nil
}

func buildInsertBaseSQL(spec storage.FrameSpec) string {
	cols := make([]string, 0, len(spec.SingleColumns)+2)
	cols = append(cols, sqlIdent(storage.ColRowNo))
	for _, c := range spec.SingleColumns {
		cols = append(cols, sqlIdent(c))
	}
	cols = append(cols, sqlIdent(storage.ColRowHash))

	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", tableIdent(spec.Table), strings.Join(cols, ", "), placeholders)
}

// buildUpdateBaseSQL overwrites a row only when its hash changed. Arguments
// are the singles, the new hash, row_no and the new hash again.
func buildUpdateBaseSQL(spec storage.FrameSpec) string {
	sets := make([]string, 0, len(spec.SingleColumns)+1)
	for _, c := range spec.SingleColumns {
		sets = append(sets, sqlIdent(c)+" = ?")
	}
	sets = append(sets, sqlIdent(storage.ColRowHash)+" = ?")
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? AND %s <> ?",
		tableIdent(spec.Table), strings.Join(sets, ", "),
		sqlIdent(storage.ColRowNo), sqlIdent(storage.ColRowHash))
}

func buildDeleteItemsSQL(spec storage.FrameSpec) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", tableIdent(spec.ItemsTable()), sqlIdent(storage.ColRowNo))
}

func buildInsertItemSQL(spec storage.FrameSpec) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, %s, %s) VALUES (?, ?, ?)",
		tableIdent(spec.ItemsTable()),
		sqlIdent(storage.ColRowNo), sqlIdent(storage.ColPosition), sqlIdent(storage.ColValue))
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// tableIdent quotes each part of a possibly schema-qualified name.
func tableIdent(name string) string {
	parts := strings.Split(strings.TrimSpace(name), ".")
	for i := range parts {
		parts[i] = sqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
