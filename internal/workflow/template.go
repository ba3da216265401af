package workflow

import (
	"fmt"
	"regexp"
)

var exprPattern = regexp.MustCompile(`\$\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Vars returns the template variables for a matrix cell and ref:
// matrix.<axis>, ref.kind and ref.name.
func Vars(cell Cell, refKind, refName string) map[string]string {
	vars := make(map[string]string, len(cell)+2)
	for k, v := range cell {
		vars["matrix."+k] = v
	}
	vars["ref.kind"] = refKind
	vars["ref.name"] = refName
	return vars
}

// Expand substitutes ${{ name }} expressions. Unknown names are an error.
func Expand(s string, vars map[string]string) (string, error) {
	var missing string
	out := exprPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := exprPattern.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("unknown expression %q", missing)
	}
	return out, nil
}

// References lists the expression names used in s, in order of appearance.
func References(s string) []string {
	matches := exprPattern.FindAllStringSubmatch(s, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}
