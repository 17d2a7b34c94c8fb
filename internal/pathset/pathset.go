package pathset

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// Set is a compiled, read-only collection of path patterns.
//
// Patterns use '/' as separator: '*' stays within one path segment and '**'
// spans segments. A pattern without a '/' matches the base name at any depth,
// the way .gitignore entries do.
type Set struct {
	patterns []string
	globs    []glob.Glob
	basename []bool
}

// New compiles patterns into a Set
func New(patterns []string) (*Set, error) {
	s := &Set{}
	for _, p := range patterns {
		p = strings.TrimPrefix(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, p)
		s.globs = append(s.globs, g)
		s.basename = append(s.basename, !strings.Contains(p, "/"))
	}
	return s, nil
}

// Patterns returns the source patterns
func (s *Set) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

// Match reports whether the repository-relative path p matches any pattern
func (s *Set) Match(p string) bool {
	p = strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
	base := path.Base(p)
	for i, g := range s.globs {
		if g.Match(p) || (s.basename[i] && g.Match(base)) {
			return true
		}
	}
	return false
}

// Filter returns the subset of paths that match, preserving order
func (s *Set) Filter(paths []string) []string {
	var matched []string
	for _, p := range paths {
		if s.Match(p) {
			matched = append(matched, p)
		}
	}
	return matched
}
