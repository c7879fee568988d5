// Package htmltable reads rows out of an HTML table: every matched row
// element becomes one row whose tokens are the trimmed texts of its cells.
package htmltable

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"rowshape/internal/config"
	"rowshape/internal/parser"
	"rowshape/internal/reshape"
)

type Options struct {
	// RowSelector picks row elements. Defaults to "table tr".
	RowSelector string
	// CellSelector picks cells inside a row. Defaults to "td, th".
	CellSelector string
	HasHeader    bool
	// Encoding is a charset label such as "shift_jis". Empty reads UTF-8;
	// "auto" sniffs a BOM or <meta charset> in the first 1024 bytes.
	Encoding string
}

func DefaultOptions() Options {
	return Options{RowSelector: "table tr", CellSelector: "td, th", HasHeader: true}
}

func OptionsFrom(o config.Options) Options {
	d := DefaultOptions()
	return Options{
		RowSelector:  o.String("row_selector", d.RowSelector),
		CellSelector: o.String("cell_selector", d.CellSelector),
		HasHeader:    o.Bool("has_header", d.HasHeader),
		Encoding:     o.String("encoding", d.Encoding),
	}
}

func ReadFile(ctx context.Context, path string, opt Options) ([]reshape.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &parser.InputAccessError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	rows, err := ReadRows(ctx, f, opt)
	var iae *parser.InputAccessError
	if errors.As(err, &iae) && iae.Path == "" {
		iae.Path = path
	}
	return rows, err
}

// ReadRows returns one row per element matched by opt.RowSelector, in DOM
// order. Rows without cells (e.g. spacer rows) are skipped; the header, when
// present, is the first row that has cells.
func ReadRows(ctx context.Context, r io.Reader, opt Options) ([]reshape.Row, error) {
	if opt.RowSelector == "" {
		opt.RowSelector = DefaultOptions().RowSelector
	}
	if opt.CellSelector == "" {
		opt.CellSelector = DefaultOptions().CellSelector
	}

	r, err := decodeReader(r, opt.Encoding)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, &parser.InputAccessError{Op: "parse", Err: err}
	}

	var rows []reshape.Row
	skipHeader := opt.HasHeader
	doc.Find(opt.RowSelector).EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		if ctx.Err() != nil {
			return false
		}
		cells := tr.Find(opt.CellSelector)
		if cells.Length() == 0 {
			return true
		}
		if skipHeader {
			skipHeader = false
			return true
		}
		row := make(reshape.Row, 0, cells.Length())
		cells.Each(func(_ int, td *goquery.Selection) {
			row = append(row, strings.TrimSpace(td.Text()))
		})
		rows = append(rows, row)
		return true
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func decodeReader(r io.Reader, label string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8":
		return r, nil
	case "auto":
		dr, err := charset.NewReader(r, "")
		if err != nil {
			return nil, &parser.InputAccessError{Op: "decode", Err: err}
		}
		return dr, nil
	default:
		dr, err := charset.NewReaderLabel(label, r)
		if err != nil {
			return nil, &parser.InputAccessError{Op: "decode", Err: err}
		}
		return dr, nil
	}
}
