// Package parser holds what the row providers under internal/parser share.
package parser

import "fmt"

// InputAccessError reports a failure to open, read or decode the source.
// Providers return it unchanged so callers can match it with errors.As.
type InputAccessError struct {
	Op   string // "open", "read", "decode", "parse"
	Path string // empty for anonymous readers
	Err  error
}

func (e *InputAccessError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("input %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("input %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *InputAccessError) Unwrap() error { return e.Err }
