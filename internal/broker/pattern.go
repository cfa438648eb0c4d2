package broker

import (
	"regexp"
	"strings"
	"sync"

	"github.com/samber/oops"
)

// metaChars are the regex metacharacters re.literal must escape, per
// spec.md §4.5 exactly: ". ^ $ * + ? ( ) [ ] { } | \".
const metaChars = `.^$*+?()[]{}|\`

// Literal escapes every regex metacharacter in s so the result matches s
// verbatim.
func Literal(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(metaChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// PatternCache compiles and caches regular expressions by source, scoped
// to one plugin. Released wholesale on plugin unload.
type PatternCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// NewPatternCache creates an empty cache.
func NewPatternCache() *PatternCache {
	return &PatternCache{cache: make(map[string]*regexp.Regexp)}
}

// Compile returns the cached *regexp.Regexp for source, compiling and
// caching it on first use.
func (c *PatternCache) Compile(source string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.cache[source]; ok {
		return re, nil
	}
	re, err := regexp.Compile(source)
	if err != nil {
		return nil, oops.Code("invalid-argument").With("pattern", source).Wrap(err)
	}
	c.cache[source] = re
	return re, nil
}

// Match reports whether s matches the pattern with source p, compiling p
// on first use. Backs re.match.
func (c *PatternCache) Match(s, p string) (bool, error) {
	re, err := c.Compile(p)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// Matches tests sources in declared order and returns the first one that
// matches s, or ok=false if none do. Backs re.matches: the host returns
// only the winning source; the script-side stub invokes the associated
// closure.
func (c *PatternCache) Matches(s string, sources []string) (winner string, ok bool, err error) {
	for _, source := range sources {
		matched, err := c.Match(s, source)
		if err != nil {
			return "", false, err
		}
		if matched {
			return source, true, nil
		}
	}
	return "", false, nil
}

// Release drops every cached pattern, freeing compiled regexps for GC.
func (c *PatternCache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*regexp.Regexp)
}
