// Package export renders reshaped columns for downstream consumers.
package export

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"rowshape/internal/reshape"
)

// ErrMisaligned is returned when a row-oriented format is requested for
// columns of unequal length.
var ErrMisaligned = errors.New("export: columns are not aligned")

// WriteJSON writes cols as one compact JSON object. Keys follow cols.Order,
// so single fields come in rule order and the multi field last.
func WriteJSON(w io.Writer, cols *reshape.Columns) error {
	return WriteJSONIndent(w, cols, "")
}

// WriteJSONIndent is WriteJSON with each nesting level indented by indent.
// An empty indent gives the compact form.
func WriteJSONIndent(w io.Writer, cols *reshape.Columns, indent string) error {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range cols.Order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return err
		}
		var v []byte
		if name == cols.MultiName {
			v, err = json.Marshal(cols.Multi)
		} else {
			v, err = json.Marshal(cols.Singles[name])
		}
		if err != nil {
			return fmt.Errorf("export: encode %q: %w", name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')

	out := buf.Bytes()
	if indent != "" {
		var ind bytes.Buffer
		if err := json.Indent(&ind, out, "", indent); err != nil {
			return fmt.Errorf("export: indent: %w", err)
		}
		out = ind.Bytes()
	}

	bw := bufio.NewWriter(w)
	bw.Write(out)
	bw.WriteByte('\n')
	return bw.Flush()
}

// WriteCSV writes cols as a table with a header line. The multi field cell
// holds a JSON array of the row's leftover tokens; placeholder cells are
// written empty.
func WriteCSV(w io.Writer, cols *reshape.Columns) error {
	if !cols.Aligned() {
		return ErrMisaligned
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(cols.Order); err != nil {
		return err
	}

	rec := make([]string, len(cols.Order))
	for y := 0; y < cols.Rows(); y++ {
		for i, name := range cols.Order {
			if name == cols.MultiName {
				b, err := json.Marshal(cols.Multi[y])
				if err != nil {
					return fmt.Errorf("export: row %d: %w", y, err)
				}
				rec[i] = string(b)
				continue
			}
			rec[i] = cols.Singles[name][y]
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
