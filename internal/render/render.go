// Package render substitutes named and positional variables into message
// bodies.
package render

import (
	"regexp"
	"strings"
)

// Names are any text without braces, so Hebrew names and names with spaces
// are substituted too.
var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render replaces every {{name}} or {{1}} token in body with vars[name].
// Unknown names become empty strings. Substitution is a single pass over the
// original body, so values that themselves look like placeholders are copied
// verbatim and never expanded.
func Render(body string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(body, func(tok string) string {
		name := strings.TrimSpace(tok[2 : len(tok)-2])
		return vars[name]
	})
}

// Placeholders lists the distinct variable names referenced by body, in order
// of first appearance.
func Placeholders(body string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(body, -1) {
		name := strings.TrimSpace(m[1])
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
