package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rowshape/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

Each WriteRecords call runs in one transaction and talks to the server in up
to three round trips: a batch of base-row inserts (ON CONFLICT DO NOTHING), a
batch of hash-guarded updates for the rows that already existed, then a batch
that replaces items for every row that was inserted or updated.
*/
type Repo struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pgx connection pool for cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates the schema (if qualified), the base table and the
// items table.
func (r *Repo) EnsureTables(ctx context.Context, spec storage.FrameSpec) error {
	schemaSQL, baseSQL, itemsSQL, err := buildCreateSQL(spec)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("postgres: create schema: %w", err)
		}
	}
	if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", spec.Table, err)
	}
	if _, err := r.pool.Exec(ctx, itemsSQL); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", spec.ItemsTable(), err)
	}
	return nil
}

// WriteRecords writes recs in one transaction.
func (r *Repo) WriteRecords(ctx context.Context, spec storage.FrameSpec, recs []storage.Record) (storage.WriteResult, error) {
	var out storage.WriteResult
	if len(recs) == 0 {
		return out, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return out, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	baseSQL := buildInsertBaseSQL(spec)
	base := &pgx.Batch{}
	for _, rec := range recs {
		base.Queue(baseSQL, baseArgs(rec)...)
	}
	inserted, err := execBatch(ctx, tx, base, len(recs))
	if err != nil {
		return out, err
	}

	var res storage.WriteResult
	updateSQL := buildUpdateBaseSQL(spec)
	update := &pgx.Batch{}
	var existing []int
	for i, rec := range recs {
		if inserted[i] > 0 {
			res.Inserted++
			continue
		}
		existing = append(existing, i)
		update.Queue(updateSQL, baseArgs(rec)...)
	}
	changed := make([]bool, len(recs))
	if len(existing) > 0 {
		updated, err := execBatch(ctx, tx, update, len(existing))
		if err != nil {
			return out, err
		}
		for j, i := range existing {
			if updated[j] > 0 {
				changed[i] = true
				res.Updated++
			} else {
				res.Unchanged++
			}
		}
	}

	deleteSQL := buildDeleteItemsSQL(spec)
	itemSQL := buildInsertItemSQL(spec)
	items := &pgx.Batch{}
	for i, rec := range recs {
		if inserted[i] == 0 && !changed[i] {
			continue
		}
		if changed[i] {
			items.Queue(deleteSQL, rec.RowNo)
		}
		for pos, v := range rec.Items {
			items.Queue(itemSQL, rec.RowNo, pos, v)
		}
	}
	if items.Len() > 0 {
		if _, err := execBatch(ctx, tx, items, items.Len()); err != nil {
			return out, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return out, err
	}
	return res, nil
}

// execBatch sends b and returns the rows affected by each of its n statements.
func execBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch, n int) ([]int64, error) {
	br := tx.SendBatch(ctx, b)
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("postgres: batch statement %d: %w", i, err)
		}
		out[i] = tag.RowsAffected()
	}
	return out, br.Close()
}

func baseArgs(rec storage.Record) []any {
	args := make([]any, 0, len(rec.Singles)+2)
	args = append(args, rec.RowNo)
	args = append(args, rec.Singles...)
	return append(args, rec.RowHash)
}

// buildCreateSQL builds DDL for the optional schema, the base table and the
// items table. It is pure so it can be tested without a database.
func buildCreateSQL(spec storage.FrameSpec) (schemaSQL, baseSQL, itemsSQL string, err error) {
	if err := spec.Validate(); err != nil {
		return "", "", "", err
	}

	if schema, _ := splitQualifiedName(spec.Table); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols := []string{pgIdent(storage.ColRowNo) + " BIGINT PRIMARY KEY"}
	for _, c := range spec.SingleColumns {
		cols = append(cols, pgIdent(c)+" TEXT")
	}
	cols = append(cols, pgIdent(storage.ColRowHash)+" TEXT NOT NULL")

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, tableIdent(spec.Table), strings.Join(cols, ", "))

	itemsSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s BIGINT NOT NULL, %s INTEGER NOT NULL, %s TEXT NOT NULL, PRIMARY KEY (%s, %s));`,
		tableIdent(spec.ItemsTable()),
		pgIdent(storage.ColRowNo), pgIdent(storage.ColPosition), pgIdent(storage.ColValue),
		pgIdent(storage.ColRowNo), pgIdent(storage.ColPosition),
	)
	return schemaSQL, baseSQL, itemsSQL, nil
}

func buildInsertBaseSQL(spec storage.FrameSpec) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tableIdent(spec.Table))
	b.WriteString(" (")
	b.WriteString(pgIdent(storage.ColRowNo))
	for _, c := range spec.SingleColumns {
		b.WriteString(", ")
		b.WriteString(pgIdent(c))
	}
	b.WriteString(", ")
	b.WriteString(pgIdent(storage.ColRowHash))
	b.WriteString(") VALUES (")

	n := len(spec.SingleColumns) + 2
	for p := 1; p <= n; p++ {
		if p > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", p)
	}
	b.WriteString(") ON CONFLICT (")
	b.WriteString(pgIdent(storage.ColRowNo))
	b.WriteString(") DO NOTHING")
	return b.String()
}

// buildUpdateBaseSQL takes the same arguments as buildInsertBaseSQL and
// touches the row only when its hash changed.
func buildUpdateBaseSQL(spec storage.FrameSpec) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(tableIdent(spec.Table))
	b.WriteString(" SET ")
	for i, c := range spec.SingleColumns {
		fmt.Fprintf(&b, "%s = $%d, ", pgIdent(c), i+2)
	}
	hash := len(spec.SingleColumns) + 2
	fmt.Fprintf(&b, "%s = $%d WHERE %s = $1 AND %s <> $%d",
		pgIdent(storage.ColRowHash), hash,
		pgIdent(storage.ColRowNo), pgIdent(storage.ColRowHash), hash)
	return b.String()
}

func buildDeleteItemsSQL(spec storage.FrameSpec) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, tableIdent(spec.ItemsTable()), pgIdent(storage.ColRowNo))
}

func buildInsertItemSQL(spec storage.FrameSpec) string {
	return fmt.Sprintf(`INSERT INTO %s (%s, %s, %s) VALUES ($1, $2, $3) ON CONFLICT (%s, %s) DO NOTHING`,
		tableIdent(spec.ItemsTable()),
		pgIdent(storage.ColRowNo), pgIdent(storage.ColPosition), pgIdent(storage.ColValue),
		pgIdent(storage.ColRowNo), pgIdent(storage.ColPosition),
	)
}

func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgIdent(s string) string {
	return pgx.Identifier{s}.Sanitize()
}

func tableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}
