package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowshape/internal/storage"
)

type execCall struct {
	query string
	args  []any
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, errors.New("unsupported") }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

// fakeDB records statements and keeps row_hash per row_no so the guarded
// insert and update affect rows the way the server would.
type fakeDB struct {
	calls     []execCall
	hashes    map[int64]string
	failOn    string
	committed bool
	rolled    bool
	closed    bool
}

func (f *fakeDB) ExecContext(_ context.Context, q string, args ...any) (sql.Result, error) {
	f.calls = append(f.calls, execCall{query: q, args: append([]any(nil), args...)})
	if f.failOn != "" && strings.Contains(q, f.failOn) {
		return nil, errors.New("boom")
	}
	switch {
	case strings.HasPrefix(q, "IF NOT EXISTS"):
		rowNo := args[0].(int64)
		if _, ok := f.hashes[rowNo]; ok {
			return fakeResult(0), nil
		}
		if f.hashes == nil {
			f.hashes = map[int64]string{}
		}
		f.hashes[rowNo] = args[len(args)-1].(string)
	case strings.HasPrefix(q, "UPDATE"):
		rowNo, hash := args[0].(int64), args[len(args)-1].(string)
		old, ok := f.hashes[rowNo]
		if !ok || old == hash {
			return fakeResult(0), nil
		}
		f.hashes[rowNo] = hash
	}
	return fakeResult(1), nil
}

func (f *fakeDB) BeginTx(context.Context, *sql.TxOptions) (txConn, error) { return f, nil }
func (f *fakeDB) Commit() error                                           { f.committed = true; return nil }
func (f *fakeDB) Rollback() error                                         { f.rolled = true; return nil }
func (f *fakeDB) Close() error                                            { f.closed = true; return nil }

var testSpec = storage.FrameSpec{Table: "dbo.customers", SingleColumns: []string{"id", "age"}, MultiName: "cities"}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	baseSQL, itemsSQL, err := buildCreateSQL(storage.FrameSpec{Table: "dbo.o'brien", SingleColumns: []string{"a]b"}})
	require.NoError(t, err)

	assert.Equal(t,
		"IF OBJECT_ID(N'dbo.o''brien', N'U') IS NULL CREATE TABLE [dbo].[o'brien] ([row_no] BIGINT NOT NULL PRIMARY KEY, [a]]b] NVARCHAR(MAX) NULL, [row_hash] CHAR(64) NOT NULL);",
		baseSQL)
	assert.Contains(t, itemsSQL, "IF OBJECT_ID(N'dbo.o''brien_items', N'U') IS NULL CREATE TABLE [dbo].[o'brien_items]")
	assert.Contains(t, itemsSQL, "PRIMARY KEY ([row_no], [position])")

	_, _, err = buildCreateSQL(storage.FrameSpec{})
	assert.Error(t, err)
}

func TestBuildInsertBaseSQL(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"IF NOT EXISTS (SELECT 1 FROM [dbo].[customers] WHERE [row_no] = @p1) INSERT INTO [dbo].[customers] ([row_no], [id], [age], [row_hash]) VALUES (@p1, @p2, @p3, @p4);",
		buildInsertBaseSQL(testSpec))
}

func TestBuildUpdateBaseSQL(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"UPDATE [dbo].[customers] SET [id] = @p2, [age] = @p3, [row_hash] = @p4 WHERE [row_no] = @p1 AND [row_hash] <> @p4;",
		buildUpdateBaseSQL(testSpec))
	assert.Equal(t,
		"DELETE FROM [dbo].[customers_items] WHERE [row_no] = @p1;",
		buildDeleteItemsSQL(testSpec))
}

func TestBuildInsertItemsSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertItemsSQL(testSpec, 5, 2, []string{"ローマ", "パリ"})
	assert.Equal(t,
		"INSERT INTO [dbo].[customers_items] ([row_no], [position], [value]) VALUES (@p1, @p2, @p3), (@p4, @p5, @p6);",
		q)
	assert.Equal(t, []any{int64(5), 2, "ローマ", int64(5), 3, "パリ"}, args)
}

func TestChunkItems(t *testing.T) {
	t.Parallel()

	got := chunkItems([]string{"a", "b", "c", "d", "e"}, 2)
	require.Len(t, got, 3)
	assert.Equal(t, itemChunk{offset: 4, values: []string{"e"}}, got[2])
	assert.Empty(t, chunkItems(nil, 2))
}

func TestWriteRecords_InsertsUpdatesAndSkips(t *testing.T) {
	t.Parallel()

	db := &fakeDB{hashes: map[int64]string{2: "h2", 3: "stale"}}
	repo := &Repo{db: db}

	recs := []storage.Record{
		{RowNo: 1, Singles: []any{"Customer000001", "22"}, Items: []string{"ローマ", "パリ"}, RowHash: "h1"},
		{RowNo: 2, Singles: []any{"Customer000002", nil}, Items: []string{"ロンドン"}, RowHash: "h2"},
		{RowNo: 3, Singles: []any{"Customer000003", "33"}, Items: []string{"ベルリン"}, RowHash: "h3"},
	}

	res, err := repo.WriteRecords(context.Background(), testSpec, recs)
	require.NoError(t, err)
	assert.Equal(t, storage.WriteResult{Inserted: 1, Updated: 1, Unchanged: 1}, res)
	assert.True(t, db.committed)
	assert.Equal(t, "h3", db.hashes[3])

	var itemRows []any
	var deletes []any
	for _, c := range db.calls {
		switch {
		case strings.HasPrefix(c.query, "DELETE FROM [dbo].[customers_items]"):
			deletes = append(deletes, c.args[0])
		case strings.HasPrefix(c.query, "INSERT INTO [dbo].[customers_items]"):
			itemRows = append(itemRows, c.args[0])
		}
	}
	assert.Equal(t, []any{int64(3)}, deletes, "only the changed row loses its old items")
	assert.Equal(t, []any{int64(1), int64(3)}, itemRows, "the unchanged row keeps its items")
}

func TestWriteRecords_ErrorRollsBack(t *testing.T) {
	t.Parallel()

	db := &fakeDB{failOn: "[customers_items]"}
	repo := &Repo{db: db}

	_, err := repo.WriteRecords(context.Background(), testSpec, []storage.Record{
		{RowNo: 1, Singles: []any{"x", "1"}, Items: []string{"y"}, RowHash: "h"},
	})
	require.Error(t, err)
	assert.False(t, db.committed)
	assert.True(t, db.rolled)
}

func TestEnsureTablesAndClose(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	repo := &Repo{db: db}

	require.NoError(t, repo.EnsureTables(context.Background(), testSpec))
	require.Len(t, db.calls, 2)
	assert.Contains(t, db.calls[1].query, "[customers_items]")

	repo.Close()
	assert.True(t, db.closed)
}
