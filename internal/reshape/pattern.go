package reshape

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const patternCacheSize = 256

// patternCache holds compiled full-match expressions keyed by the anchored
// source. Safe for concurrent use.
var patternCache = func() *lru.Cache[string, *regexp.Regexp] {
	c, err := lru.New[string, *regexp.Regexp](patternCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}()

// Compile returns the full-match expression for r.Pattern.
//
// The pattern must match a whole token: it is wrapped as ^(?:pattern)$.
// An open lower bound such as {,3} is read as {0,3}.
func (r Rule) Compile() (*regexp.Regexp, error) {
	expr := normalizeRepeat(r.Pattern)
	src := `^(?:` + expr + `)$`
	if re, ok := patternCache.Get(src); ok {
		return re, nil
	}
	// Check the bare expression first: wrapping can balance a stray ")(".
	if _, err := regexp.Compile(expr); err != nil {
		return nil, &PatternError{Field: r.Name, Pattern: r.Pattern, Err: err}
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, &PatternError{Field: r.Name, Pattern: r.Pattern, Err: err}
	}
	patternCache.Add(src, re)
	return re, nil
}

// normalizeRepeat rewrites {,n} repetitions to {0,n}. RE2 would otherwise
// read them as literal text. Escapes and character classes are left alone.
func normalizeRepeat(p string) string {
	if !strings.Contains(p, "{,") {
		return p
	}

	var b strings.Builder
	b.Grow(len(p) + 2)

	inClass, escaped := false, false
	for i := 0; i < len(p); i++ {
		c := p[i]
		b.WriteByte(c)

		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
		case c == '{' && isOpenRepeat(p[i+1:]):
			b.WriteByte('0')
		}
	}
	return b.String()
}

// isOpenRepeat reports whether s (the text after '{') reads ",n}".
func isOpenRepeat(s string) bool {
	if len(s) < 3 || s[0] != ',' {
		return false
	}
	j := 1
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	return j > 1 && j < len(s) && s[j] == '}'
}
