package jsonrows

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rowshape/internal/config"
	"rowshape/internal/parser"
	"rowshape/internal/reshape"
)

func TestReadRows_Shapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		opt  Options
		want []reshape.Row
	}{
		{
			name: "root_array",
			in:   `[["Customer000001", 22, "ローマ"], ["ロンドン", "Customer000002"]]`,
			want: []reshape.Row{{"Customer000001", "22", "ローマ"}, {"ロンドン", "Customer000002"}},
		},
		{
			name: "json_lines",
			in:   "[\"a\", 1.50, true]\n[\"b\", null]\n[]\n",
			want: []reshape.Row{{"a", "1.50", "true"}, {"b"}},
		},
		{
			name: "envelope_first_array",
			in:   `{"meta": {"source": ["x"]}, "count": 2, "rows": [["a"], null, ["b", "c"]], "tail": [1]}`,
			want: []reshape.Row{{"a"}, {"b", "c"}},
		},
		{
			name: "envelope_named_field",
			in:   `{"other": [["skip"]], "rows": [["a"]]}`,
			opt:  Options{Field: "rows"},
			want: []reshape.Row{{"a"}},
		},
		{
			name: "array_then_lines",
			in:   "[[\"a\"]]\n[\"b\"]\n",
			want: []reshape.Row{{"a"}, {"b"}},
		},
		{
			name: "empty",
			in:   "",
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rows, err := ReadRows(context.Background(), strings.NewReader(tc.in), tc.opt)
			require.NoError(t, err)
			assert.Equal(t, tc.want, rows)
		})
	}
}

func TestReadRows_ParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		opt  Options
	}{
		{name: "scalar_root", in: `"x"`},
		{name: "nested_value", in: `[["a", ["b"]]]`},
		{name: "object_in_row", in: `[["a", {"b": 1}]]`},
		{name: "row_not_array", in: `[["a"], "b"]`},
		{name: "truncated", in: `[["a"`},
		{name: "envelope_without_rows", in: `{"a": 1}`},
		{name: "missing_named_field", in: `{"rows": [["a"]]}`, opt: Options{Field: "data"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ReadRows(context.Background(), strings.NewReader(tc.in), tc.opt)
			var iae *parser.InputAccessError
			require.ErrorAs(t, err, &iae)
			assert.Equal(t, "parse", iae.Op)
		})
	}
}

func TestReadRows_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReadRows(ctx, strings.NewReader(`[["a"]]`), DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "rows.json")
	require.NoError(t, os.WriteFile(p, []byte(`[["Customer000001","ローマ"]]`), 0o644))

	rows, err := ReadFile(context.Background(), p, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []reshape.Row{{"Customer000001", "ローマ"}}, rows)

	_, err = ReadFile(context.Background(), filepath.Join(dir, "missing.json"), DefaultOptions())
	var iae *parser.InputAccessError
	require.ErrorAs(t, err, &iae)
	assert.Equal(t, "open", iae.Op)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o644))
	_, err = ReadFile(context.Background(), bad, DefaultOptions())
	require.ErrorAs(t, err, &iae)
	assert.Equal(t, bad, iae.Path)
}

func TestOptionsFrom(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Options{Field: "rows"}, OptionsFrom(config.Options{"field": "rows"}))
	assert.Equal(t, DefaultOptions(), OptionsFrom(nil))
}
