// Package pattern compiles and caches the regular expressions used by threat
// indicators and alert rule conditions.
package pattern

import (
	"log/slog"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"

	secerrors "secmon/internal/errors"
)

// DefaultSize is the number of distinct patterns kept compiled.
const DefaultSize = 1024

type entry struct {
	re  *regexp.Regexp
	err error
}

// Cache is a bounded, concurrency-safe cache of compiled patterns. Compile
// failures are cached too, so a bad pattern is reported once and then fails
// closed on every later lookup.
type Cache struct {
	entries *lru.Cache[string, entry]
}

// NewCache creates a Cache holding up to size patterns.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	c, _ := lru.New[string, entry](size)
	return &Cache{entries: c}
}

// Compile returns the compiled pattern or a *errors.PatternError.
func (c *Cache) Compile(expr string) (*regexp.Regexp, error) {
	if e, ok := c.entries.Get(expr); ok {
		return e.re, e.err
	}

	re, err := regexp.Compile(expr)
	e := entry{re: re}
	if err != nil {
		e = entry{err: secerrors.NewPatternError(expr, err)}
		slog.Warn("pattern failed to compile, treating as non-match", "pattern", expr, "error", err)
	}
	c.entries.Add(expr, e)
	return e.re, e.err
}

// MatchString reports whether s matches expr. Invalid patterns never match.
func (c *Cache) MatchString(expr, s string) bool {
	re, err := c.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// Len returns the number of cached patterns.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Validate compiles expr without caching it, for rule and indicator
// creation paths that must reject bad patterns up front.
func Validate(expr string) error {
	if _, err := regexp.Compile(expr); err != nil {
		return secerrors.NewPatternError(expr, err)
	}
	return nil
}
