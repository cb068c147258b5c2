package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// CapabilityMatcher flags text that needs a backend with a given capability.
type CapabilityMatcher interface {
	Tag() string
	Match(text string) bool
}

// KeywordMatcher matches whole words or phrases, case-insensitively.
type KeywordMatcher struct {
	tag string
	re  *regexp.Regexp
}

var _ CapabilityMatcher = (*KeywordMatcher)(nil)

func NewKeywordMatcher(tag string, keywords []string) (*KeywordMatcher, error) {
	if tag == "" {
		return nil, fmt.Errorf("keyword matcher: tag is required")
	}
	parts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		parts = append(parts, regexp.QuoteMeta(k))
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("keyword matcher %q: no keywords", tag)
	}
	re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("keyword matcher %q: %w", tag, err)
	}
	return &KeywordMatcher{tag: tag, re: re}, nil
}

func (m *KeywordMatcher) Tag() string { return m.tag }

func (m *KeywordMatcher) Match(text string) bool { return m.re.MatchString(text) }

// MatcherFunc adapts a plain function, e.g. a classifier call, to a matcher.
type MatcherFunc struct {
	Name string
	Fn   func(text string) bool
}

func (m MatcherFunc) Tag() string { return m.Name }

func (m MatcherFunc) Match(text string) bool { return m.Fn(text) }
