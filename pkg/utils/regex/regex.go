package regex

import (
	"regexp"
	"strings"
)

// CombinePatterns joins patterns into one alternation. It returns nil for
// an empty list.
func CombinePatterns(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	combined := "(?:" + strings.Join(patterns, ")|(?:") + ")"
	return regexp.Compile(combined)
}

// Filter keeps the values matched by include (when set) and not matched by
// exclude (when set). Order is preserved.
func Filter(values []string, include, exclude *regexp.Regexp) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if include != nil && !include.MatchString(v) {
			continue
		}
		if exclude != nil && exclude.MatchString(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
