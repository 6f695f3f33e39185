package cliutil

import "strings"

var helpTokens = map[string]struct{}{
	"?":    {},
	"help": {},
	"h":    {},
}

// IsHelpToken reports whether the provided token is a recognised help alias.
func IsHelpToken(token string) bool {
	token = strings.TrimSpace(strings.ToLower(token))
	_, ok := helpTokens[token]
	return ok
}

// IsHelpRequest reports whether the first argument in args is a help alias.
func IsHelpRequest(args []string) bool {
	if len(args) == 0 {
		return false
	}
	return IsHelpToken(args[0])
}

// ContainsHelpToken reports whether any argument is a help alias.
func ContainsHelpToken(args []string) bool {
	for _, a := range args {
		if IsHelpToken(a) {
			return true
		}
	}
	return false
}

// SplitHostArgs separates host names from key=value pairs, e.g.
// "www.example.com 4 sdns-region=north" yields the host, the remaining
// positional words and the parameters.
func SplitHostArgs(args []string) (positional []string, params map[string]string) {
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			positional = append(positional, a)
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return positional, params
}
