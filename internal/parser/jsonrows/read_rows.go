// Package jsonrows reads rows encoded as JSON arrays of scalar tokens.
//
// Accepted shapes, streamed element by element:
//   - a root array of rows: [["Customer000001","22","ローマ"], ...]
//   - an envelope object whose first array field (or Options.Field) holds the rows:
//     {"meta": {...}, "rows": [[...], ...]}
//   - JSON Lines: one row array per line, possibly after either of the above.
//
// Strings are taken as is and numbers keep their literal text (1.50 stays
// "1.50"). Booleans become "true"/"false" and null elements are skipped.
// Nested arrays and objects inside a row are rejected.
package jsonrows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"rowshape/internal/config"
	"rowshape/internal/parser"
	"rowshape/internal/reshape"
)

type Options struct {
	// Field selects the envelope field holding the rows. Empty means the
	// first field whose value is an array.
	Field string
}

func DefaultOptions() Options { return Options{} }

// OptionsFrom reads parser options from the pipeline config.
func OptionsFrom(o config.Options) Options {
	return Options{Field: o.String("field", "")}
}

// ReadFile opens path and reads it with ReadRows.
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

// ReadRows decodes every row in r. Malformed JSON is reported as
// *parser.InputAccessError with Op "parse".
func ReadRows(ctx context.Context, r io.Reader, opt Options) ([]reshape.Row, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var rows []reshape.Row
	emit := func(row reshape.Row) error {
		if len(rows)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rows = append(rows, row)
		return nil
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return rows, ctx.Err()
		}
		if err != nil {
			return nil, parseErr(len(rows), err)
		}

		d, ok := tok.(json.Delim)
		if !ok {
			return nil, parseErr(len(rows), fmt.Errorf("unsupported root token %T (want array or object)", tok))
		}

		switch d {
		case '[':
			if err := streamRowsOrRow(dec, emit); err != nil {
				return nil, wrap(len(rows), err)
			}
		case '{':
			if err := streamEnvelope(dec, opt.Field, emit); err != nil {
				return nil, wrap(len(rows), err)
			}
		default:
			return nil, parseErr(len(rows), fmt.Errorf("unexpected delimiter %q", d))
		}
	}
}

// streamRowsOrRow consumes an array whose '[' was already read. An array of
// arrays is a list of rows; an array of scalars is a single JSON Lines row.
func streamRowsOrRow(dec *json.Decoder, emit func(reshape.Row) error) error {
	if !dec.More() {
		_, err := dec.Token() // ']'
		return err
	}

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == json.Delim('[') {
		if err := streamRowBody(dec, emit); err != nil {
			return err
		}
		if err := streamRowArray(dec, emit); err != nil {
			return err
		}
		_, err = dec.Token() // ']'
		return err
	}

	// Scalar first element: the array itself is one row.
	var row reshape.Row
	if v, ok, err := scalar(tok); err != nil {
		return err
	} else if ok {
		row = append(row, v)
	}
	if err := readScalars(dec, &row); err != nil {
		return err
	}
	return emit(row)
}

// streamRowArray consumes the remaining elements of an array of rows.
func streamRowArray(dec *json.Decoder, emit func(reshape.Row) error) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if tok == nil {
			continue
		}
		if tok != json.Delim('[') {
			return fmt.Errorf("row is %v, want an array", tok)
		}
		if err := streamRowBody(dec, emit); err != nil {
			return err
		}
	}
	return nil
}

// streamRowBody reads one row whose '[' was already read.
func streamRowBody(dec *json.Decoder, emit func(reshape.Row) error) error {
	var row reshape.Row
	if err := readScalars(dec, &row); err != nil {
		return err
	}
	return emit(row)
}

// readScalars appends scalar tokens up to and including the closing ']'.
func readScalars(dec *json.Decoder, row *reshape.Row) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		v, ok, err := scalar(tok)
		if err != nil {
			return err
		}
		if ok {
			*row = append(*row, v)
		}
	}
	_, err := dec.Token() // ']'
	return err
}

// streamEnvelope walks an object whose '{' was already read and streams the
// selected array field. Other fields are skipped.
func streamEnvelope(dec *json.Decoder, field string, emit func(reshape.Row) error) error {
	found := false
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		if found || (field != "" && key != field) {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return err
			}
			continue
		}

		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if tok != json.Delim('[') {
			if field != "" {
				return fmt.Errorf("field %q is %v, want an array of rows", field, tok)
			}
			if err := skipValue(dec, tok); err != nil {
				return err
			}
			continue
		}
		if err := streamRowArray(dec, emit); err != nil {
			return err
		}
		if _, err := dec.Token(); err != nil { // ']'
			return err
		}
		found = true
	}
	if _, err := dec.Token(); err != nil { // '}'
		return err
	}
	if !found {
		if field != "" {
			return fmt.Errorf("field %q not found", field)
		}
		return errors.New("object has no array of rows")
	}
	return nil
}

// skipValue discards the rest of a value whose first token was tok.
func skipValue(dec *json.Decoder, tok json.Token) error {
	d, ok := tok.(json.Delim)
	if !ok || (d != '{' && d != '[') {
		return nil
	}
	depth := 1
	for depth > 0 {
		t, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := t.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

// scalar converts a token to its string form. ok is false for null.
func scalar(tok json.Token) (v string, ok bool, err error) {
	switch t := tok.(type) {
	case string:
		return t, true, nil
	case json.Number:
		return t.String(), true, nil
	case bool:
		if t {
			return "true", true, nil
		}
		return "false", true, nil
	case nil:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("row element %v is not a scalar", tok)
	}
}

func parseErr(rowsRead int, err error) error {
	return &parser.InputAccessError{Op: "parse", Err: fmt.Errorf("after %d rows: %w", rowsRead, err)}
}

func wrap(rowsRead int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return parseErr(rowsRead, err)
}
