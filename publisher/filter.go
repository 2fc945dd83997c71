package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters events by kind and subject glob patterns
type GlobFilter struct {
	kindGlobs    []glob.Glob
	subjectGlobs []glob.Glob
}

// NewGlobFilter compiles kind and subject patterns. Empty pattern lists match everything.
// Kinds use '.' as separator so "orders.*" does not match "orders.a.b".
func NewGlobFilter(kindPatterns, subjectPatterns []string) (*GlobFilter, error) {
	kinds, err := compileGlobs("kind", kindPatterns, '.')
	if err != nil {
		return nil, err
	}
	subjects, err := compileGlobs("subject", subjectPatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{kindGlobs: kinds, subjectGlobs: subjects}, nil
}

func compileGlobs(label string, patterns []string, separators ...rune) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, separators...)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", label, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if both kind and subject pass their pattern lists
func (f *GlobFilter) Match(kind, subject string) bool {
	return matchAny(f.kindGlobs, kind) && matchAny(f.subjectGlobs, subject)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
