package reshape

import (
	"errors"
	"fmt"
)

// ErrInvalidRules reports a rule set Reshape cannot work with.
var ErrInvalidRules = errors.New("reshape: invalid rules")

// PatternError reports a recognition pattern that does not compile.
type PatternError struct {
	Field   string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("reshape: field %q: invalid pattern %q: %v", e.Field, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// FieldAbsentError reports a row with no token for a single field.
// Row is the 0-based position in the input rows.
type FieldAbsentError struct {
	Field string
	Row   int
}

func (e *FieldAbsentError) Error() string {
	return fmt.Sprintf("reshape: row %d: no token matches field %q", e.Row, e.Field)
}
