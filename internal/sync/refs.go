package sync

import "sort"

// CollectRefs returns the distinct placeholder ids found anywhere in fields, sorted.
func CollectRefs(prefix string, fields map[string]any) []string {
	seen := make(map[string]struct{})
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if IsPlaceholder(prefix, t) {
				seen[t] = struct{}{}
			}
		case map[string]any:
			for _, inner := range t {
				walk(inner)
			}
		case []any:
			for _, inner := range t {
				walk(inner)
			}
		}
	}
	walk(fields)

	if len(seen) == 0 {
		return nil
	}
	refs := make([]string, 0, len(seen))
	for r := range seen {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

// RewriteRefs replaces every string value equal to from with to, in place where
// possible. It returns the rewritten value and whether anything changed.
func RewriteRefs(v any, from, to string) (any, bool) {
	switch t := v.(type) {
	case string:
		if t == from {
			return to, true
		}
		return t, false
	case map[string]any:
		changed := false
		for k, inner := range t {
			if nv, ok := RewriteRefs(inner, from, to); ok {
				t[k] = nv
				changed = true
			}
		}
		return t, changed
	case []any:
		changed := false
		for i, inner := range t {
			if nv, ok := RewriteRefs(inner, from, to); ok {
				t[i] = nv
				changed = true
			}
		}
		return t, changed
	default:
		return v, false
	}
}
