package route

import "strings"

// StripPrefix returns a rewrite that removes prefix from the path.
// Stripping the whole path yields "/".
func StripPrefix(prefix string) RewriteFunc {
	return ReplacePrefix(prefix, "")
}

// ReplacePrefix returns a rewrite that swaps prefix for replacement.
// Paths that do not carry prefix are returned unchanged.
func ReplacePrefix(prefix, replacement string) RewriteFunc {
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	replacement = strings.TrimRight(replacement, "/")

	return func(path string) string {
		if !matchPrefix(prefix, path) {
			return path
		}
		rest := path
		if prefix != "/" {
			rest = path[len(prefix):]
		}
		out := replacement + rest
		if out == "" {
			return "/"
		}
		if out[0] != '/' {
			out = "/" + out
		}
		return out
	}
}
