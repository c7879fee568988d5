// Package delimited reads "CSV-like" files: one record per line, fields
// split on a fixed delimiter, no quoting or escaping.
package delimited

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"rowshape/internal/config"
	"rowshape/internal/parser"
	"rowshape/internal/reshape"
)

// maxLineBytes bounds a single input line.
const maxLineBytes = 16 << 20

type Options struct {
	// Encoding is a WHATWG/IANA label such as "utf-8", "shift_jis" or
	// "windows-1252". Empty means utf-8.
	Encoding  string
	HasHeader bool
	Delimiter string
	TrimSpace bool
}

func DefaultOptions() Options {
	return Options{Encoding: "utf-8", HasHeader: true, Delimiter: ","}
}

// OptionsFrom reads parser options from the pipeline config.
func OptionsFrom(o config.Options) Options {
	d := DefaultOptions()
	return Options{
		Encoding:  o.String("encoding", d.Encoding),
		HasHeader: o.Bool("has_header", d.HasHeader),
		Delimiter: o.String("delimiter", d.Delimiter),
		TrimSpace: o.Bool("trim_space", d.TrimSpace),
	}
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

// ReadRows decodes r and splits every line on opt.Delimiter.
//
// Lines end at "\n" with an optional preceding "\r". A final newline does
// not produce an extra row; an empty line in the middle yields a row with a
// single empty token. A UTF-8 BOM is dropped and a UTF-16 BOM switches the
// decoder. When opt.HasHeader is set the first line is discarded.
//
// Bytes that are not valid in the declared encoding fail the read with an
// *parser.InputAccessError whose Op is "decode"; they are never replaced.
func ReadRows(ctx context.Context, r io.Reader, opt Options) ([]reshape.Row, error) {
	if opt.Delimiter == "" {
		return nil, fmt.Errorf("delimited: empty delimiter")
	}

	enc, err := lookupEncoding(opt.Encoding)
	if err != nil {
		return nil, &parser.InputAccessError{Op: "decode", Err: err}
	}
	src, valid, err := decodeStream(r, enc)
	if err != nil {
		return nil, &parser.InputAccessError{Op: "read", Err: err}
	}

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		rows []reshape.Row
		line int
	)
	for sc.Scan() {
		line++
		if line&1023 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		if !valid(sc.Bytes()) {
			return nil, &parser.InputAccessError{Op: "decode", Err: fmt.Errorf("line %d: invalid %s byte sequence", line, encodingName(opt.Encoding))}
		}
		if line == 1 && opt.HasHeader {
			continue
		}
		rows = append(rows, splitLine(sc.Text(), opt))
	}
	if err := sc.Err(); err != nil {
		return nil, &parser.InputAccessError{Op: "read", Err: fmt.Errorf("line %d: %w", line+1, err)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// decodeStream returns r as UTF-8 together with a check for each decoded
// line.
//
// UTF-8 input without a UTF-16 BOM is passed through untouched and checked
// with utf8.Valid. Everything else goes through the x/text decoder, which
// turns each invalid sequence into U+FFFD; a line holding U+FFFD is rejected
// there. The legacy charsets cannot encode U+FFFD, so it only shows up for
// bad input.
func decodeStream(r io.Reader, enc encoding.Encoding) (io.Reader, func([]byte) bool, error) {
	br := bufio.NewReader(r)
	if enc == unicode.UTF8 {
		head, err := br.Peek(3)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, nil, err
		}
		switch {
		case bytes.HasPrefix(head, utf8BOM):
			_, _ = br.Discard(len(utf8BOM))
			return br, utf8.Valid, nil
		case !bytes.HasPrefix(head, utf16BEBOM) && !bytes.HasPrefix(head, utf16LEBOM):
			return br, utf8.Valid, nil
		}
	}
	dec := transform.NewReader(br, unicode.BOMOverride(enc.NewDecoder()))
	return dec, func(b []byte) bool { return !bytes.ContainsRune(b, utf8.RuneError) }, nil
}

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	utf16BEBOM = []byte{0xFE, 0xFF}
	utf16LEBOM = []byte{0xFF, 0xFE}
)

func splitLine(s string, opt Options) reshape.Row {
	toks := strings.Split(s, opt.Delimiter)
	if opt.TrimSpace {
		for i, t := range toks {
			toks[i] = strings.TrimSpace(t)
		}
	}
	return toks
}

// encodingAliases maps common spellings that neither the WHATWG nor the IANA
// registry knows onto one they do.
var encodingAliases = map[string]string{
	"cp932":      "windows-31j",
	"utf-8-sig":  "utf-8",
	"utf8-sig":   "utf-8",
	"latin-1":    "latin1",
	"utf-16-le":  "utf-16le",
	"utf-16-be":  "utf-16be",
	"iso2022-jp": "iso-2022-jp",
}

// lookupEncoding resolves name against the WHATWG labels first, then the
// IANA registry. Underscores may stand in for dashes ("euc_jp", "utf_8").
// Empty means UTF-8.
func lookupEncoding(name string) (encoding.Encoding, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return unicode.UTF8, nil
	}
	for _, cand := range encodingCandidates(name) {
		if enc, err := htmlindex.Get(cand); err == nil {
			return enc, nil
		}
		if enc, err := ianaindex.IANA.Encoding(cand); err == nil && enc != nil {
			return enc, nil
		}
	}
	return nil, fmt.Errorf("unknown encoding %q", name)
}

func encodingCandidates(name string) []string {
	out := []string{name}
	if dashed := strings.ReplaceAll(name, "_", "-"); dashed != name {
		out = append(out, dashed)
	}
	for _, c := range out {
		if a, ok := encodingAliases[c]; ok {
			out = append(out, a)
		}
	}
	return out
}

func encodingName(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return "utf-8"
	}
	return name
}
