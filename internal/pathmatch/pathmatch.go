package pathmatch

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher matches relative paths against a set of shell-style globs.
// Patterns are compiled without separators, so "*" also matches "/" and a
// pattern always has to match the whole relative path.
type Matcher struct {
	patterns []string
	globs    []glob.Glob
}

// New compiles patterns into a Matcher. Malformed patterns are kept in
// Patterns() but never match.
func New(patterns ...string) *Matcher {
	m := &Matcher{}
	m.Add(patterns...)
	return m
}

// Add compiles and appends more patterns
func (m *Matcher) Add(patterns ...string) {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		m.patterns = append(m.patterns, p)
		g, err := glob.Compile(p)
		if err != nil {
			continue
		}
		m.globs = append(m.globs, g)
	}
}

// Match returns true if any pattern matches rel
func (m *Matcher) Match(rel string) bool {
	if m == nil || len(m.globs) == 0 {
		return false
	}
	rel = Normalize(rel)
	for _, g := range m.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Patterns returns the patterns the matcher was built from
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

// Empty reports whether the matcher can never match
func (m *Matcher) Empty() bool {
	return m == nil || len(m.globs) == 0
}

// Matches is the one-shot form of New(patterns...).Match(rel)
func Matches(rel string, patterns []string) bool {
	return New(patterns...).Match(rel)
}

// Normalize converts rel to forward slashes and strips a leading "./"
func Normalize(rel string) string {
	rel = filepath.ToSlash(rel)
	for strings.HasPrefix(rel, "./") {
		rel = rel[2:]
	}
	return rel
}
