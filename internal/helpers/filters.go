package helpers

import (
	"strings"
)

// CharacterFilter is one entry of the user's character filter.
//
//	Name          a single alias
//	(a, b, c)     any alias matches; each alias is its own known name
//	(a, b, c)~    any alias matches; all aliases share one grouped known name
//
// For both parenthesized forms Primary is the space-joined alias list, so the folder
// named after a match is the same either way.
type CharacterFilter struct {
	Primary string
	Aliases []string
	IsGroup bool
}

// ParseCharacterFilters splits the comma-separated filter text, honouring parentheses.
func ParseCharacterFilters(text string) []CharacterFilter {
	var filters []CharacterFilter
	for _, token := range splitTopLevel(text) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if f, ok := parseFilterToken(token); ok {
			filters = append(filters, f)
		}
	}
	return filters
}

func parseFilterToken(token string) (CharacterFilter, bool) {
	if !strings.HasPrefix(token, "(") {
		return CharacterFilter{Primary: token, Aliases: []string{token}}, true
	}
	group := strings.HasSuffix(token, ")~")
	inner := strings.TrimPrefix(token, "(")
	switch {
	case group:
		inner = strings.TrimSuffix(inner, ")~")
	case strings.HasSuffix(inner, ")"):
		inner = strings.TrimSuffix(inner, ")")
	}
	aliases := SplitAliases(inner)
	if len(aliases) == 0 {
		return CharacterFilter{}, false
	}
	return CharacterFilter{
		Primary: strings.Join(aliases, " "),
		Aliases: aliases,
		IsGroup: group,
	}, true
}

// SplitAliases splits a comma list, trimming and dropping empty and repeated (case-insensitive) items.
func SplitAliases(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		key := strings.ToLower(a)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	return out
}

func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// MatchTitle returns the first filter with an alias that word-matches title.
func MatchTitle(filters []CharacterFilter, title string) (CharacterFilter, bool) {
	for _, f := range filters {
		for _, a := range f.Aliases {
			if IsTitleMatch(title, a) {
				return f, true
			}
		}
	}
	return CharacterFilter{}, false
}

// MatchFilename returns the first filter with an alias contained in name.
func MatchFilename(filters []CharacterFilter, name string) (CharacterFilter, bool) {
	for _, f := range filters {
		for _, a := range f.Aliases {
			if IsFilenameMatch(name, a) {
				return f, true
			}
		}
	}
	return CharacterFilter{}, false
}
