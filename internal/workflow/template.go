package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches ${path.to.variable} references in step inputs.
var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_][a-zA-Z0-9_.\-]*)\}`)

// Lookup walks a dotted path through the variable tree.
func Lookup(vars map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = vars
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ResolveString substitutes ${...} references against vars. A string that is
// exactly one placeholder resolves to the referenced value with its type
// intact; mixed strings interpolate textually. Unresolved paths stay
// verbatim so a missing variable surfaces as the literal placeholder
// instead of silently vanishing.
func ResolveString(s string, vars map[string]interface{}) interface{} {
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		if val, ok := Lookup(vars, m[1]); ok {
			return val
		}
		return s
	}

	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := Lookup(vars, path)
		if !ok {
			return match
		}
		return stringify(val)
	})
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ResolveValue resolves templates recursively through maps, slices, and
// strings, leaving other value types untouched.
func ResolveValue(v interface{}, vars map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return ResolveString(t, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = ResolveValue(val, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = ResolveValue(val, vars)
		}
		return out
	default:
		return v
	}
}

// ResolveInput resolves a step's whole input map.
func ResolveInput(input map[string]interface{}, vars map[string]interface{}) map[string]interface{} {
	if input == nil {
		return nil
	}
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = ResolveValue(v, vars)
	}
	return out
}

// EvalCondition evaluates a templated boolean expression against vars.
// Supported forms: empty (true), a truthy literal, `a == b`, and `a != b`.
// An expression whose placeholders stay unresolved is false.
func EvalCondition(expr string, vars map[string]interface{}) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}

	resolved, _ := ResolveString(expr, vars).(string)
	if resolved == "" {
		resolved = stringify(ResolveString(expr, vars))
	}
	if strings.Contains(resolved, "${") {
		return false
	}

	if parts := strings.SplitN(resolved, "!=", 2); len(parts) == 2 {
		return strings.TrimSpace(parts[0]) != strings.TrimSpace(parts[1])
	}
	if parts := strings.SplitN(resolved, "==", 2); len(parts) == 2 {
		return strings.TrimSpace(parts[0]) == strings.TrimSpace(parts[1])
	}

	switch strings.ToLower(strings.TrimSpace(resolved)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
