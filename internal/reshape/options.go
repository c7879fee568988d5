package reshape

import (
	"context"
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"
)

// MissingPolicy decides what happens when a row has no token for a field.
type MissingPolicy string

const (
	// MissingError fails the whole call with *FieldAbsentError.
	MissingError MissingPolicy = "error"
	// MissingSkip appends nothing; the field's column ends up shorter than
	// the row count. Compatible with the historical behavior.
	MissingSkip MissingPolicy = "skip"
	// MissingPlaceholder appends "" and records the row in Columns.Absent.
	MissingPlaceholder MissingPolicy = "placeholder"
)

// ParseMissingPolicy maps a config value to a MissingPolicy. Empty means
// MissingError.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MissingError:
		return MissingError, nil
	case MissingSkip:
		return MissingSkip, nil
	case MissingPlaceholder:
		return MissingPlaceholder, nil
	default:
		return "", fmt.Errorf("unknown missing policy %q (want error|skip|placeholder)", s)
	}
}

// minRowsPerWorker keeps tiny inputs on the sequential path.
const minRowsPerWorker = 4096

type options struct {
	missing MissingPolicy
	workers int
}

func defaultOptions() options {
	return options{missing: MissingError, workers: 1}
}

// Option configures Reshape.
type Option func(*options)

// WithMissing sets the policy for rows lacking a token for some field.
func WithMissing(p MissingPolicy) Option {
	return func(o *options) {
		if p != "" {
			o.missing = p
		}
	}
}

// WithWorkers matches rows of a single rule pass on up to n goroutines.
// Claims are still committed in rule order then row order, so the result
// is identical to a sequential run.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// cancelCheckEvery is how many rows a scan visits between context checks.
const cancelCheckEvery = 1024

// scan fills hits[y] with the claimable token index of row y for one rule.
// It stops early with ctx's error once ctx is done.
func (o options) scan(ctx context.Context, rows []Row, claimed []*bitset.BitSet, hits []int, match func(string) bool) error {
	workers := o.workers
	if limit := len(rows) / minRowsPerWorker; workers > limit {
		workers = limit
	}
	if workers <= 1 {
		return scanRange(ctx, rows, claimed, hits, match, 0, len(rows))
	}

	chunk := (len(rows) + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(rows); lo += chunk {
		hi := min(lo+chunk, len(rows))
		g.Go(func() error {
			return scanRange(gctx, rows, claimed, hits, match, lo, hi)
		})
	}
	return g.Wait()
}

func scanRange(ctx context.Context, rows []Row, claimed []*bitset.BitSet, hits []int, match func(string) bool, lo, hi int) error {
	for y := lo; y < hi; y++ {
		if (y-lo)%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		hits[y] = firstMatch(rows[y], claimed[y], match)
	}
	return nil
}
