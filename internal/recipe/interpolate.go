package recipe

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	// wholePlaceholderRe matches a string that is exactly one ${path}.
	wholePlaceholderRe = regexp.MustCompile(`^\$\{([^}]*)\}$`)
	// embeddedPlaceholderRe matches every ${path} occurrence inside a string.
	embeddedPlaceholderRe = regexp.MustCompile(`\$\{([^}]*)\}`)
)

// Interpolate rewrites v, substituting ${path} references against ctx.
// A string that is exactly one placeholder substitutes by value, preserving
// the resolved leaf's type; placeholders embedded in a longer string
// substitute by string conversion, with unresolved paths becoming the empty
// string. Rewriting recurses into mappings and arrays. Mapping keys whose
// whole-string placeholder does not resolve are dropped; unresolved array
// elements become nil. Interpolation is idempotent for a fixed context.
func Interpolate(v any, ctx map[string]any) any {
	out, _ := interpolateValue(v, ctx)
	return out
}

// InterpolateMap rewrites a mapping template. A nil template yields an empty
// mapping rather than nil so payloads are always mappings.
func InterpolateMap(m map[string]any, ctx map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out, _ := interpolateValue(m, ctx)
	res, ok := out.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return res
}

// interpolateValue returns the rewritten value and whether the caller should
// keep it. keep is false only for whole-string placeholders that did not
// resolve.
func interpolateValue(v any, ctx map[string]any) (any, bool) {
	switch t := v.(type) {
	case string:
		if m := wholePlaceholderRe.FindStringSubmatch(t); m != nil {
			resolved, ok := resolvePath(ctx, m[1])
			if !ok {
				return nil, false
			}
			return resolved, true
		}
		if !strings.Contains(t, "${") {
			return t, true
		}
		return embeddedPlaceholderRe.ReplaceAllStringFunc(t, func(match string) string {
			path := match[2 : len(match)-1]
			resolved, ok := resolvePath(ctx, path)
			if !ok {
				return ""
			}
			return stringify(resolved)
		}), true
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			res, keep := interpolateValue(val, ctx)
			if !keep {
				continue
			}
			out[k] = res
		}
		return out, true
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			res, keep := interpolateValue(val, ctx)
			if !keep {
				out[i] = nil
				continue
			}
			out[i] = res
		}
		return out, true
	default:
		return v, true
	}
}

// resolvePath walks a .-separated path over nested mappings and arrays.
func resolvePath(ctx map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// stringify renders a resolved leaf for embedded substitution. Numbers drop
// the float suffix JSON decoding introduces; mappings and arrays render as
// compact JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
