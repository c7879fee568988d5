package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowshape/internal/config"
	"rowshape/internal/export"
	"rowshape/internal/parser"
	"rowshape/internal/reshape"
	"rowshape/internal/storage"
	_ "rowshape/internal/storage/sqlite"
)

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

func (l *captureLogger) has(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type fakeRepo struct {
	spec    storage.FrameSpec
	records []storage.Record
	closed  bool
}

func (f *fakeRepo) Close() { f.closed = true }

func (f *fakeRepo) EnsureTables(_ context.Context, spec storage.FrameSpec) error {
	f.spec = spec
	return nil
}

func (f *fakeRepo) WriteRecords(_ context.Context, _ storage.FrameSpec, recs []storage.Record) (storage.WriteResult, error) {
	f.records = append(f.records, recs...)
	return storage.WriteResult{Inserted: int64(len(recs))}, nil
}

const customersCSV = "c1,c2,c3,c4,c5\n" +
	"Customer000001,22,ローマ,パリ\n" +
	"ロンドン,Customer000002,47,ベルリン,マドリード\n"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func basePipeline(path string) config.Pipeline {
	return config.Pipeline{
		Job:    "customers",
		Source: config.Source{Kind: "file", File: &config.FileSource{Path: path}},
		Parser: config.Parser{Kind: "delimited", Options: config.Options{"has_header": true}},
		Reshape: config.Reshape{
			MultiField: "行ってみたい都市",
			SingleFields: reshape.Rules{
				{Name: "顧客ID", Pattern: "Customer[0-9]{1,}"},
				{Name: "年齢", Pattern: "[0-9]{,3}"},
			},
		},
		Output: config.Output{Format: "json", Path: "-"},
	}
}

func TestRun_DelimitedToJSON(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log := &captureLogger{}
	r := &Runner{Logger: log, Out: &out}

	cols, err := r.Run(context.Background(), basePipeline(writeFile(t, "in.csv", customersCSV)))
	require.NoError(t, err)

	assert.Equal(t, []string{"Customer000001", "Customer000002"}, cols.Singles["顧客ID"])
	assert.Equal(t,
		`{"顧客ID":["Customer000001","Customer000002"],"年齢":["22","47"],"行ってみたい都市":[["ローマ","パリ"],["ロンドン","ベルリン","マドリード"]]}`+"\n",
		out.String())

	for _, st := range []string{"stage=read ok", "stage=reshape ok", "stage=output ok"} {
		assert.True(t, log.has(st), "missing %q in %v", st, log.msgs)
	}
	assert.False(t, log.has("stage=store"))
}

func TestRun_StdinHTMLTableToCSVFile(t *testing.T) {
	t.Parallel()

	html := `<table>
<tr><th>a</th><th>b</th><th>c</th></tr>
<tr><td>Customer000001</td><td>ローマ</td><td>22</td></tr>
<tr><td>パリ</td><td>Customer000002</td></tr>
</table>`

	outPath := filepath.Join(t.TempDir(), "out.csv")
	cfg := basePipeline("")
	cfg.Source = config.Source{Kind: "stdin"}
	cfg.Parser = config.Parser{Kind: "html_table"}
	cfg.Reshape.OnMissing = "placeholder"
	cfg.Output = config.Output{Format: "csv", Path: outPath}

	r := &Runner{In: strings.NewReader(html)}
	cols, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, cols.IsAbsent("年齢", 1))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "顧客ID,年齢,行ってみたい都市\n"+
		`Customer000001,22,"[""ローマ""]"`+"\n"+
		`Customer000002,,"[""パリ""]"`+"\n", string(got))
}

func TestRun_JSONEnvelope(t *testing.T) {
	t.Parallel()

	in := `{"source": "crm", "rows": [["Customer000001", 22, "ローマ"], ["ロンドン", "Customer000002", 47]]}`
	cfg := basePipeline(writeFile(t, "in.json", in))
	cfg.Parser = config.Parser{Kind: "json", Options: config.Options{"field": "rows"}}

	var out bytes.Buffer
	_, err := (&Runner{Out: &out}).Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t,
		`{"顧客ID":["Customer000001","Customer000002"],"年齢":["22","47"],"行ってみたい都市":[["ローマ"],["ロンドン"]]}`+"\n",
		out.String())
}

func TestRun_PrettyJSON(t *testing.T) {
	t.Parallel()

	cfg := basePipeline(writeFile(t, "in.csv", customersCSV))
	cfg.Output.Pretty = true

	var out bytes.Buffer
	_, err := (&Runner{Out: &out}).Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "{\n  \"顧客ID\": [\n    \"Customer000001\","), out.String())
}

func TestRun_StoresThroughRepository(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	var gotCfg storage.Config
	log := &captureLogger{}

	r := &Runner{
		Logger: log,
		Out:    &bytes.Buffer{},
		NewRepository: func(_ context.Context, cfg storage.Config) (storage.Repository, error) {
			gotCfg = cfg
			return repo, nil
		},
	}

	cfg := basePipeline(writeFile(t, "in.csv", customersCSV))
	cfg.Output.Format = "none"
	cfg.Storage = &config.Storage{Kind: "sqlite", DB: config.DB{DSN: "file:x.db", Table: "customers"}}
	cfg.Runtime.BatchSize = 1

	_, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, storage.Config{Kind: "sqlite", DSN: "file:x.db"}, gotCfg)
	assert.Equal(t, []string{"顧客ID", "年齢"}, repo.spec.SingleColumns)
	require.Len(t, repo.records, 2)
	assert.Equal(t, []string{"ロンドン", "ベルリン", "マドリード"}, repo.records[1].Items)
	assert.True(t, repo.closed)
	assert.True(t, log.has("stage=store table=customers inserted=2 updated=0 unchanged=0"))
}

func TestRun_SQLiteEndToEnd(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "out.db")
	cfg := basePipeline(writeFile(t, "in.csv", customersCSV))
	cfg.Output.Format = "none"
	cfg.Storage = &config.Storage{Kind: "sqlite", DB: config.DB{DSN: dsn, Table: "customers"}}

	log := &captureLogger{}
	r := &Runner{NewRepository: storage.New, Logger: log}

	_, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.True(t, log.has("inserted=2 updated=0 unchanged=0"))
	assert.True(t, log.has("inserted=0 updated=0 unchanged=2"))

	changed := "c1,c2,c3\nCustomer000009,51,ミラノ\nロンドン,Customer000002,47,ベルリン,マドリード\n"
	cfg.Source.File.Path = writeFile(t, "changed.csv", changed)
	_, err = r.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, log.has("inserted=0 updated=1 unchanged=1"), "%v", log.msgs)
}

func TestRun_FailedCSVKeepsExistingOutput(t *testing.T) {
	t.Parallel()

	outPath := writeFile(t, "out.csv", "previous run\n")
	cfg := basePipeline(writeFile(t, "in.csv", "h\nCustomer000001,ローマ\nCustomer000002,33,パリ\n"))
	cfg.Reshape.OnMissing = "skip"
	cfg.Output = config.Output{Format: "csv", Path: outPath}

	_, err := (&Runner{}).Run(context.Background(), cfg)
	require.ErrorIs(t, err, export.ErrMisaligned)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "previous run\n", string(got))

	entries, err := os.ReadDir(filepath.Dir(outPath))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".rowshape-"), "temp file left behind: %s", e.Name())
	}
}

func TestWriteFileAtomic_RenderErrorLeavesTarget(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "out.json", "old")
	err := writeFileAtomic(path, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return errors.New("encode failed")
	})
	require.EqualError(t, err, "encode failed")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	require.NoError(t, writeFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "new")
		return err
	}))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestRun_InputErrorPropagatesUnchanged(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	log := &captureLogger{}
	r := &Runner{Logger: log, Out: out}

	_, err := r.Run(context.Background(), basePipeline(filepath.Join(t.TempDir(), "missing.csv")))

	var iae *parser.InputAccessError
	require.ErrorAs(t, err, &iae)
	assert.Equal(t, "open", iae.Op)
	assert.Empty(t, out.String())
	assert.True(t, log.has("stage=read status=error"))
}

func TestRun_FieldAbsentErrorStopsBeforeOutput(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	r := &Runner{Out: out}

	cfg := basePipeline(writeFile(t, "in.csv", "h\nCustomer000001,ローマ\n"))
	_, err := r.Run(context.Background(), cfg)

	var fae *reshape.FieldAbsentError
	require.ErrorAs(t, err, &fae)
	assert.Equal(t, "年齢", fae.Field)
	assert.Empty(t, out.String())
}

func TestRun_InvalidPipeline(t *testing.T) {
	t.Parallel()

	cfg := basePipeline("x.csv")
	cfg.Reshape.SingleFields = append(cfg.Reshape.SingleFields, reshape.Rule{Name: "行ってみたい都市", Pattern: "x"})

	_, err := (&Runner{}).Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reshape.single_fields[2].name")
}

func TestRun_StorageOpenError(t *testing.T) {
	t.Parallel()

	r := &Runner{
		Out: &bytes.Buffer{},
		NewRepository: func(context.Context, storage.Config) (storage.Repository, error) {
			return nil, errors.New("connection refused")
		},
	}
	cfg := basePipeline(writeFile(t, "in.csv", customersCSV))
	cfg.Storage = &config.Storage{Kind: "postgres", DB: config.DB{DSN: "postgres://x", Table: "t"}}

	cols, err := r.Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open storage: connection refused")
	assert.NotNil(t, cols)
}
