package config

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// ToolFilter permits tools by glob. A deny match always wins; an empty allow
// list permits everything not denied.
type ToolFilter struct {
	allow []string
	deny  []string
}

// NewToolFilter validates the patterns and builds a filter.
func NewToolFilter(allow, deny []string) (*ToolFilter, error) {
	for _, list := range [][]string{allow, deny} {
		for _, pattern := range list {
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("invalid tool pattern %q", pattern)
			}
		}
	}
	return &ToolFilter{
		allow: append([]string(nil), allow...),
		deny:  append([]string(nil), deny...),
	}, nil
}

// Permits reports whether tool may be invoked. A nil filter permits all.
func (f *ToolFilter) Permits(tool string) bool {
	if f == nil {
		return true
	}
	if matchAny(f.deny, tool) {
		return false
	}
	return len(f.allow) == 0 || matchAny(f.allow, tool)
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
