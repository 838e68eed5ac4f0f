package driver

import (
	"path"
	"strings"
)

// filterPattern is a parsed exclusion pattern with its matching strategy.
type filterPattern struct {
	pattern   string
	matchPath bool // true = match against the apparent path; false = basename only
}

// FilterMatcher checks apparent paths against a set of exclusion patterns.
// Patterns without '/' match against the basename only; patterns with '/'
// match against the full apparent path.
type FilterMatcher struct {
	patterns []filterPattern
}

// NewFilterMatcher creates a FilterMatcher from raw pattern strings. Blank
// lines and lines starting with '#' are skipped.
func NewFilterMatcher(rawPatterns []string) *FilterMatcher {
	var patterns []filterPattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, filterPattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &FilterMatcher{patterns: patterns}
}

// Match reports whether the apparent path should be excluded from listings.
func (m *FilterMatcher) Match(apath string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	base := path.Base(apath)
	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = path.Match(p.pattern, apath)
		} else {
			matched, err = path.Match(p.pattern, base)
		}
		if err != nil {
			// Bad pattern — skip rather than crash.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
