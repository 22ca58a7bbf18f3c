package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// ExclusionList holds the models whose check-cache calls always miss. Their
// reports are still fingerprinted, so dropping a rule makes the recorded
// history servable again.
//
// Rules come in two forms. A name is compared literally, except that a
// trailing '*' turns it into a prefix: "openpipe:*" excludes every
// fine-tune. A pattern is a regular expression matched anywhere in the name.
//
// The nil list excludes nothing.
type ExclusionList struct {
	names    map[string]struct{}
	prefixes []string
	patterns []*regexp.Regexp
}

func NewExclusionList(names, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{names: make(map[string]struct{}, len(names))}

	for _, n := range names {
		n = strings.TrimSpace(n)
		switch {
		case n == "":
		case strings.HasSuffix(n, "*"):
			el.prefixes = append(el.prefixes, strings.TrimSuffix(n, "*"))
		default:
			el.names[n] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache: exclusion pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}
	return el, nil
}

// Matches reports whether check-cache must skip the lookup for model.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.names[model]; ok {
		return true
	}
	for _, p := range el.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.names) + len(el.prefixes) + len(el.patterns)
}
