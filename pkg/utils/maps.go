package utils

// DeepMerge merges src into dst and returns dst. Nested maps are merged
// key by key; any other value in src replaces the one in dst. Maps taken
// from src are copied so dst never aliases src.
func DeepMerge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		srcMap, ok := v.(map[string]interface{})
		if !ok {
			dst[k] = DeepCopyValue(v)
			continue
		}
		dstMap, ok := dst[k].(map[string]interface{})
		if !ok {
			dstMap = make(map[string]interface{}, len(srcMap))
		}
		dst[k] = DeepMerge(dstMap, srcMap)
	}
	return dst
}

// DeepCopy returns a copy of m sharing no nested maps or slices with it
func DeepCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = DeepCopyValue(v)
	}
	return out
}

// DeepCopyValue copies maps and slices recursively; other values are returned as is
func DeepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return DeepCopy(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = DeepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// Walk calls fn for every non-map value in m, passing a setter for the
// value's slot. Nested maps are descended into.
func Walk(m map[string]interface{}, fn func(v interface{}, set func(interface{}))) {
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			Walk(nested, fn)
			continue
		}
		key := k
		fn(v, func(nv interface{}) { m[key] = nv })
	}
}
