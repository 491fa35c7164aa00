// Package jsonmerge implements the structural diff/merge algorithm
// used to apply and compute twin patches, per spec §4.1: a null leaf
// in a patch removes the corresponding key, nested objects merge
// recursively, and arrays are replaced wholesale as opaque leaves.
package jsonmerge

// Merge applies patch onto base and returns the result. base and
// patch are not mutated; the returned map is a new value. For each
// key k in patch: if patch[k] is nil, k is removed from the result;
// if both base[k] and patch[k] are objects, they are merged
// recursively; otherwise patch[k] replaces base[k].
func Merge(base, patch map[string]interface{}) map[string]interface{} {
	result := cloneMap(base)

	for k, pv := range patch {
		if pv == nil {
			delete(result, k)
			continue
		}

		bv, exists := result[k]
		bObj, bIsObj := asObject(bv)
		pObj, pIsObj := asObject(pv)

		if exists && bIsObj && pIsObj {
			result[k] = Merge(bObj, pObj)
			continue
		}

		result[k] = cloneValue(pv)
	}

	return result
}

// MergeMetadata merges a patch's $metadata subtree onto a base
// $metadata subtree using the same null-removal rule as Merge, so
// that leaves absent from the patch retain their prior metadata
// while leaves present in the patch have it overridden.
func MergeMetadata(base, patch map[string]interface{}) map[string]interface{} {
	return Merge(base, patch)
}

// Diff returns the minimal patch P such that Merge(a, P) is
// structurally equivalent to b: keys present in a but absent from b
// become null; keys whose recursive diff is empty are omitted
// entirely; returns an empty (non-nil) map when a and b are
// equivalent.
func Diff(a, b map[string]interface{}) map[string]interface{} {
	patch := map[string]interface{}{}

	for k, bv := range b {
		av, existedBefore := a[k]

		aObj, aIsObj := asObject(av)
		bObj, bIsObj := asObject(bv)

		switch {
		case existedBefore && aIsObj && bIsObj:
			sub := Diff(aObj, bObj)
			if len(sub) > 0 {
				patch[k] = sub
			}
		case existedBefore && deepEqual(av, bv):
			// unchanged, omit
		default:
			patch[k] = cloneValue(bv)
		}
	}

	for k := range a {
		if _, stillPresent := b[k]; !stillPresent {
			patch[k] = nil
		}
	}

	return patch
}

// Equivalent reports whether a and b are structurally equal modulo
// key ordering (maps have none) — used by callers that need the
// Diff(x, x) == ∅ invariant without allocating.
func Equivalent(a, b map[string]interface{}) bool {
	return len(Diff(a, b)) == 0
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return cloneMap(m)
	}
	return v
}

func deepEqual(a, b interface{}) bool {
	am, aIsMap := a.(map[string]interface{})
	bm, bIsMap := b.(map[string]interface{})
	if aIsMap != bIsMap {
		return false
	}
	if aIsMap {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !deepEqual(av, bv) {
				return false
			}
		}
		return true
	}

	aSlice, aIsSlice := a.([]interface{})
	bSlice, bIsSlice := b.([]interface{})
	if aIsSlice || bIsSlice {
		if aIsSlice != bIsSlice || len(aSlice) != len(bSlice) {
			return false
		}
		for i := range aSlice {
			if !deepEqual(aSlice[i], bSlice[i]) {
				return false
			}
		}
		return true
	}

	return a == b
}
