package expressions

import "strings"

// Lookup resolves a variable name to its value. Satisfied by the context
// store's GetVariable.
type Lookup interface {
	GetVariable(name string) (string, bool)
}

// Interpolate resolves {{identifier}} tokens in a template against the given
// lookup. Resolution is a flat key lookup: no whitespace inside the braces,
// no nesting, no paths. Tokens whose variable is unset are left verbatim in
// the output and reported in the missing slice; callers decide whether that
// is fatal.
func Interpolate(template string, store Lookup) (string, []string) {
	var out strings.Builder
	out.Grow(len(template))

	var missing []string
	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			out.WriteString(template[i:])
			break
		}
		out.WriteString(template[i : i+idx])
		start := i + idx

		end := strings.Index(template[start+2:], "}}")
		if end == -1 {
			// Unterminated token: the rest is literal text.
			out.WriteString(template[start:])
			break
		}
		end += start + 2
		name := template[start+2 : end]

		if !validIdentifier(name) {
			// Not a variable reference; emit the braces verbatim and keep
			// scanning after the opening marker so overlapping tokens work.
			out.WriteString("{{")
			i = start + 2
			continue
		}

		if val, ok := store.GetVariable(name); ok {
			out.WriteString(val)
		} else {
			out.WriteString(template[start : end+2])
			missing = append(missing, name)
		}
		i = end + 2
	}

	return out.String(), missing
}

// validIdentifier reports whether s is a flat variable name:
// [A-Za-z_][A-Za-z0-9_]*.
func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// References returns the variable names a template refers to, in order of
// first appearance. Used by static validation to check reachability.
func References(template string) []string {
	var refs []string
	seen := make(map[string]bool)
	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			break
		}
		start := i + idx
		end := strings.Index(template[start+2:], "}}")
		if end == -1 {
			break
		}
		end += start + 2
		name := template[start+2 : end]
		if validIdentifier(name) {
			if !seen[name] {
				seen[name] = true
				refs = append(refs, name)
			}
			i = end + 2
		} else {
			i = start + 2
		}
	}
	return refs
}
