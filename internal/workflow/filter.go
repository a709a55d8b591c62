package workflow

import (
	"regexp"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// pattern is a compiled filter pattern. Negated patterns start with "!".
type pattern struct {
	negate bool
	re     *regexp.Regexp
}

// compilePatterns compiles filter patterns with the GitHub glob rules:
// "*" matches any character but "/", "**" matches any character, "?" and "+"
// repeat the preceding character zero or one and one or more times, "[...]"
// matches a character class and "\" escapes the next character.
func compilePatterns(patterns []string) ([]pattern, error) {
	res := make([]pattern, 0, len(patterns))
	for _, raw := range patterns {
		p := pattern{}
		if strings.HasPrefix(raw, "!") {
			p.negate = true
			raw = raw[1:]
		}
		if raw == "" {
			return nil, errors.New("empty filter pattern")
		}

		expr, err := globToRegexp(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid filter pattern %q", raw)
		}
		p.re, err = regexp.Compile(expr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid filter pattern %q", raw)
		}
		res = append(res, p)
	}

	return res, nil
}

func globToRegexp(glob string) (string, error) {
	var sb strings.Builder
	sb.WriteString("^")

	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				sb.WriteString(".*")
				i++
			} else {
				sb.WriteString("[^/]*")
			}
		case '?', '+':
			if i == 0 {
				return "", errors.Errorf("%q must follow a character", r)
			}
			sb.WriteRune(r)
		case '[':
			end := slices.Index(runes[i+1:], ']')
			if end < 0 {
				return "", errors.New("unterminated character class")
			}
			sb.WriteString(string(runes[i : i+end+2]))
			i += end + 1
		case '\\':
			if i+1 == len(runes) {
				return "", errors.New("trailing escape")
			}
			i++
			sb.WriteString(regexp.QuoteMeta(string(runes[i])))
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	return sb.String(), nil
}

// match reports whether value is selected by patterns. The last matching
// pattern wins, so "!" patterns exclude values selected by earlier ones.
func match(patterns []pattern, value string) bool {
	matched := false
	for _, p := range patterns {
		if p.re.MatchString(value) {
			matched = !p.negate
		}
	}

	return matched
}
