// Package subst implements the ${VAR[:default]} variable substitution
// engine of spec §4.8.
package subst

import (
	"regexp"
	"strings"
)

// refPattern matches ${NAME} and ${NAME:default}, per spec §4.8's grammar
// \$\{[A-Z_][A-Z0-9_]*(?::[^}]*)?\}.
var refPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)(?::([^}]*))?\}`)

// Result is the outcome of Resolve: the resolved string plus the names
// that were resolved (from vars or from a default) and the names left
// unresolved.
type Result struct {
	Resolved   string
	Found      []string
	Unresolved []string
}

// Resolve replaces every ${NAME} / ${NAME:default} reference in template.
// A name present in vars is substituted with its value; otherwise, if a
// default is given, the literal default is used; otherwise the reference
// is left intact and recorded as unresolved.
func Resolve(template string, vars map[string]string) Result {
	var found, unresolved []string
	resolved := refPattern.ReplaceAllStringFunc(template, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		name := sub[1]
		def := sub[2]
		hasDefault := strings.Contains(match, ":")
		if v, ok := vars[name]; ok {
			found = append(found, name)
			return v
		}
		if hasDefault {
			found = append(found, name)
			return def
		}
		unresolved = append(unresolved, name)
		return match
	})
	return Result{Resolved: resolved, Found: found, Unresolved: unresolved}
}

// ResolveObject recurses into the string-valued fields of a nested
// map[string]interface{}, leaving non-string values (numbers, bools,
// nested arrays of non-strings) untouched. Nested maps are recursed into;
// arrays of strings are resolved element-wise.
func ResolveObject(obj map[string]interface{}, vars map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[k] = resolveValue(v, vars)
	}
	return out
}

func resolveValue(v interface{}, vars map[string]string) interface{} {
	switch t := v.(type) {
	case string:
		return Resolve(t, vars).Resolved
	case map[string]interface{}:
		return ResolveObject(t, vars)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			if s, ok := e.(string); ok {
				out[i] = Resolve(s, vars).Resolved
			} else {
				out[i] = e
			}
		}
		return out
	default:
		return v
	}
}
