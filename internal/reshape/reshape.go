// Package reshape turns rows of loosely ordered tokens into aligned columns.
//
// A row mixes "single" fields, each recognised by a full-match pattern, with
// a variable number of residual tokens that together form the "multi" field.
// Reshape claims one token per single field per row and leaves everything
// else, in its original relative order, to the multi field.
//
// Evaluation order is total and deterministic:
//   - rules are applied one after another, in the order of Rules;
//   - within a rule, rows are visited in input order;
//   - within a row, unclaimed tokens are scanned left to right and the
//     leftmost full match wins.
//
// A token claimed by an earlier rule is invisible to later rules. When two
// patterns could match the same token, the earlier rule owns it.
package reshape

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Row is one input record split into tokens.
type Row []string

// Rule recognises the token of one single field.
type Rule struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// Rules is an ordered rule set. Order is significant: it sets claim priority.
type Rules []Rule

// Names returns the rule names in order.
func (rs Rules) Names() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Name
	}
	return out
}

func (rs Rules) check(multiFieldName string) error {
	if multiFieldName == "" {
		return fmt.Errorf("%w: multi field name is empty", ErrInvalidRules)
	}
	seen := make(map[string]struct{}, len(rs))
	for i, r := range rs {
		if r.Name == "" {
			return fmt.Errorf("%w: rule %d has no name", ErrInvalidRules, i)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidRules, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// Columns is the reshaped output: one column per single field plus the
// multi field column, aligned by input row position.
type Columns struct {
	// Order lists single field names in rule order followed by MultiName.
	Order     []string
	MultiName string

	Singles map[string][]string
	// Multi holds exactly one entry per input row.
	Multi [][]string

	// Absent marks, per field, the rows filled with a placeholder. Only
	// populated under MissingPlaceholder; fields with no placeholder have no
	// entry.
	Absent map[string]*bitset.BitSet
}

// Rows returns the number of input rows.
func (c *Columns) Rows() int { return len(c.Multi) }

// Aligned reports whether every single column has one entry per row.
func (c *Columns) Aligned() bool {
	for _, v := range c.Singles {
		if len(v) != len(c.Multi) {
			return false
		}
	}
	return true
}

// IsAbsent reports whether column field holds a placeholder at row.
func (c *Columns) IsAbsent(field string, row int) bool {
	b := c.Absent[field]
	return b != nil && row >= 0 && b.Test(uint(row))
}

// Map returns the columns keyed by field name: []string for single fields
// and [][]string for the multi field.
func (c *Columns) Map() map[string]any {
	out := make(map[string]any, len(c.Singles)+1)
	for name, v := range c.Singles {
		out[name] = v
	}
	out[c.MultiName] = c.Multi
	return out
}

// Reshape partitions each row's tokens between the single fields described
// by rules and the multi field named multiFieldName.
//
// rows are not modified. The multi field name must not equal any rule name;
// that is the caller's responsibility.
//
// Errors:
//   - *PatternError when a rule's pattern does not compile.
//   - *FieldAbsentError when a row has no token for a field and the
//     missing policy is MissingError (the default).
//   - ErrInvalidRules for an empty multi field name or duplicate rule names.
func Reshape(rows []Row, multiFieldName string, rules Rules, opts ...Option) (*Columns, error) {
	return ReshapeContext(context.Background(), rows, multiFieldName, rules, opts...)
}

// ReshapeContext is Reshape that gives up with ctx's error once ctx is done.
// No partial Columns are returned.
func ReshapeContext(ctx context.Context, rows []Row, multiFieldName string, rules Rules, opts ...Option) (*Columns, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	if err := rules.check(multiFieldName); err != nil {
		return nil, err
	}

	cols := &Columns{
		Order:     append(rules.Names(), multiFieldName),
		MultiName: multiFieldName,
		Singles:   make(map[string][]string, len(rules)),
		Multi:     make([][]string, len(rows)),
		Absent:    map[string]*bitset.BitSet{},
	}

	claimed := make([]*bitset.BitSet, len(rows))
	for y, row := range rows {
		claimed[y] = bitset.New(uint(len(row)))
	}
	hits := make([]int, len(rows))

	for _, rule := range rules {
		re, err := rule.Compile()
		if err != nil {
			return nil, err
		}

		if err := o.scan(ctx, rows, claimed, hits, re.MatchString); err != nil {
			return nil, err
		}

		out := make([]string, 0, len(rows))
		for y, x := range hits {
			if x < 0 {
				switch o.missing {
				case MissingSkip:
				case MissingPlaceholder:
					out = append(out, "")
					b := cols.Absent[rule.Name]
					if b == nil {
						b = bitset.New(uint(len(rows)))
						cols.Absent[rule.Name] = b
					}
					b.Set(uint(y))
				default:
					return nil, &FieldAbsentError{Field: rule.Name, Row: y}
				}
				continue
			}
			claimed[y].Set(uint(x))
			out = append(out, rows[y][x])
		}
		cols.Singles[rule.Name] = out
	}

	for y, row := range rows {
		cols.Multi[y] = leftover(row, claimed[y])
	}
	return cols, nil
}

// firstMatch returns the index of the leftmost unclaimed token accepted by
// match, or -1.
func firstMatch(row Row, claimed *bitset.BitSet, match func(string) bool) int {
	for x, tok := range row {
		if claimed.Test(uint(x)) {
			continue
		}
		if match(tok) {
			return x
		}
	}
	return -1
}

func leftover(row Row, claimed *bitset.BitSet) []string {
	out := make([]string, 0, len(row)-int(claimed.Count()))
	for x, tok := range row {
		if !claimed.Test(uint(x)) {
			out = append(out, tok)
		}
	}
	return out
}
