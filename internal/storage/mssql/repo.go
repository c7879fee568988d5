package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"rowshape/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameter limit per statement.
const maxParams = 2000

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Tables are created with IF OBJECT_ID(...) IS NULL guards. Inserts use
// IF NOT EXISTS on the primary key and an existing row is only rewritten
// when its row_hash differs, so reloading a frame is a no-op. Single columns
// and item values are NVARCHAR(MAX) to keep Unicode tokens intact.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates the base and items tables when missing.
func (r *Repo) EnsureTables(ctx context.Context, spec storage.FrameSpec) error {
	baseSQL, itemsSQL, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, baseSQL); err != nil {
		return fmt.Errorf("mssql: create base table %s: %w", spec.Table, err)
	}
	if _, err := r.db.ExecContext(ctx, itemsSQL); err != nil {
		return fmt.Errorf("mssql: create items table %s: %w", spec.ItemsTable(), err)
	}
	return nil
}

// WriteRecords writes recs in one transaction. Items are written for new
// rows and replaced for rows whose hash changed.
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

	insertSQL := buildInsertBaseSQL(spec)
	updateSQL := buildUpdateBaseSQL(spec)
	deleteSQL := buildDeleteItemsSQL(spec)

	var res storage.WriteResult
	args := make([]any, 0, len(spec.SingleColumns)+2)
	for _, rec := range recs {
		args = append(args[:0], rec.RowNo)
		args = append(args, rec.Singles...)
		args = append(args, rec.RowHash)

		ins, err := tx.ExecContext(ctx, insertSQL, args...)
		if err != nil {
			return out, fmt.Errorf("mssql: insert row_no=%d: %w", rec.RowNo, err)
		}
		if n, _ := ins.RowsAffected(); n > 0 {
			res.Inserted++
		} else {
			upd, err := tx.ExecContext(ctx, updateSQL, args...)
			if err != nil {
				return out, fmt.Errorf("mssql: update row_no=%d: %w", rec.RowNo, err)
			}
			if n, _ := upd.RowsAffected(); n == 0 {
				res.Unchanged++
				continue
			}
			res.Updated++
			if _, err := tx.ExecContext(ctx, deleteSQL, rec.RowNo); err != nil {
				return out, fmt.Errorf("mssql: delete items row_no=%d: %w", rec.RowNo, err)
			}
		}

		for _, chunk := range chunkItems(rec.Items, maxParams/3) {
			q, itemArgs := buildInsertItemsSQL(spec, rec.RowNo, chunk.offset, chunk.values)
			if _, err := tx.ExecContext(ctx, q, itemArgs...); err != nil {
				return out, fmt.Errorf("mssql: insert items row_no=%d: %w", rec.RowNo, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return out, err
	}
	return res, nil
}

type itemChunk struct {
	offset int
	values []string
}

func chunkItems(items []string, size int) []itemChunk {
	var out []itemChunk
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, itemChunk{offset: start, values: items[start:end]})
	}
	return out
}

func buildCreateSQL(spec storage.FrameSpec) (baseSQL, itemsSQL string, err error) {
	if err := spec.Validate(); err != nil {
		return "", "", err
	}

	parts := []string{mssqlIdent(storage.ColRowNo) + " BIGINT NOT NULL PRIMARY KEY"}
	for _, c := range spec.SingleColumns {
		parts = append(parts, mssqlIdent(c)+" NVARCHAR(MAX) NULL")
	}
	parts = append(parts, mssqlIdent(storage.ColRowHash)+" CHAR(64) NOT NULL")

	baseSQL = fmt.Sprintf("IF OBJECT_ID(%s, N'U') IS NULL CREATE TABLE %s (%s);",
		nstring(spec.Table), mssqlTableIdent(spec.Table), strings.Join(parts, ", "))

	itemsSQL = fmt.Sprintf("IF OBJECT_ID(%s, N'U') IS NULL CREATE TABLE %s (%s BIGINT NOT NULL, %s INT NOT NULL, %s NVARCHAR(MAX) NOT NULL, PRIMARY KEY (%s, %s));",
		nstring(spec.ItemsTable()), mssqlTableIdent(spec.ItemsTable()),
		mssqlIdent(storage.ColRowNo), mssqlIdent(storage.ColPosition), mssqlIdent(storage.ColValue),
		mssqlIdent(storage.ColRowNo), mssqlIdent(storage.ColPosition),
	)
	return baseSQL, itemsSQL, nil
}

// buildInsertBaseSQL guards the insert on row_no; @p1 is reused for the check.
func buildInsertBaseSQL(spec storage.FrameSpec) string {
	var b strings.Builder
	b.WriteString("IF NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(spec.Table))
	b.WriteString(" WHERE ")
	b.WriteString(mssqlIdent(storage.ColRowNo))
	b.WriteString(" = @p1) INSERT INTO ")
	b.WriteString(mssqlTableIdent(spec.Table))
	b.WriteString(" (")
	b.WriteString(mssqlIdent(storage.ColRowNo))
	for _, c := range spec.SingleColumns {
		b.WriteString(", ")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(", ")
	b.WriteString(mssqlIdent(storage.ColRowHash))
	b.WriteString(") VALUES (")
	for p := 1; p <= len(spec.SingleColumns)+2; p++ {
		if p > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", p)
	}
	b.WriteString(");")
	return b.String()
}

// buildUpdateBaseSQL takes the same parameters as buildInsertBaseSQL and
// only matches a row whose hash changed.
func buildUpdateBaseSQL(spec storage.FrameSpec) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(mssqlTableIdent(spec.Table))
	b.WriteString(" SET ")
	for i, c := range spec.SingleColumns {
		fmt.Fprintf(&b, "%s = @p%d, ", mssqlIdent(c), i+2)
	}
	hash := len(spec.SingleColumns) + 2
	fmt.Fprintf(&b, "%s = @p%d WHERE %s = @p1 AND %s <> @p%d;",
		mssqlIdent(storage.ColRowHash), hash,
		mssqlIdent(storage.ColRowNo), mssqlIdent(storage.ColRowHash), hash)
	return b.String()
}

func buildDeleteItemsSQL(spec storage.FrameSpec) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = @p1;", mssqlTableIdent(spec.ItemsTable()), mssqlIdent(storage.ColRowNo))
}

// buildInsertItemsSQL inserts values as positions offset, offset+1, ...
func buildInsertItemsSQL(spec storage.FrameSpec, rowNo int64, offset int, values []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(spec.ItemsTable()))
	b.WriteString(" (")
	b.WriteString(mssqlIdent(storage.ColRowNo))
	b.WriteString(", ")
	b.WriteString(mssqlIdent(storage.ColPosition))
	b.WriteString(", ")
	b.WriteString(mssqlIdent(storage.ColValue))
	b.WriteString(") VALUES ")

	args := make([]any, 0, 3*len(values))
	p := 1
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(@p%d, @p%d, @p%d)", p, p+1, p+2)
		args = append(args, rowNo, offset+i, v)
		p += 3
	}
	b.WriteString(";")
	return b.String(), args
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes each part of a possibly schema-qualified name:
// "dbo.customers" becomes [dbo].[customers].
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// nstring renders s as an N'...' literal for OBJECT_ID lookups.
func nstring(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
