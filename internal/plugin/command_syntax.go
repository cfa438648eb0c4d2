package plugin

import (
	"strings"

	"github.com/samber/oops"
)

// Invocation is a parsed !<plugin> <command> <args…> line.
type Invocation struct {
	Plugin  string
	Command string
	Args    []string
}

// ParseInvocation tokenizes a user command line of the form
// "!<plugin> <command> [arg…]", honoring double-quoted substrings as
// single tokens, per spec.md §4.3/§6. line must already have its
// leading "!" stripped.
func ParseInvocation(line string) (Invocation, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return Invocation{}, err
	}
	if len(tokens) < 2 {
		return Invocation{}, oops.Code("invalid-argument").
			With("line", line).
			Errorf("command line must name a plugin and a command")
	}
	return Invocation{
		Plugin:  tokens[0],
		Command: tokens[1],
		Args:    tokens[2:],
	}, nil
}

// tokenize splits s on whitespace, treating a double-quoted run (with
// backslash-escaped quotes) as a single token regardless of embedded
// whitespace.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	haveToken := false
	escaped := false

	flush := func() {
		if haveToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			haveToken = false
		}
	}

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			haveToken = true
			escaped = false
		case r == '\\' && inQuotes:
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
			haveToken = true
		case !inQuotes && (r == ' ' || r == '\t'):
			flush()
		default:
			cur.WriteRune(r)
			haveToken = true
		}
	}

	if inQuotes {
		return nil, oops.Code("invalid-argument").With("line", s).Errorf("unterminated quoted argument")
	}
	flush()

	return tokens, nil
}
