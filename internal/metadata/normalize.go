package metadata

import (
	"math"
	"strconv"
)

// Normalize flattens a metadata tree into its storable shape. Map keys are
// preserved exactly. Inside a list, an element that is itself a list is
// replaced by the comma-joined text of its normalized elements. Non-finite
// numbers become strings. Normalize is idempotent.
func Normalize(v Value) Value {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return String(strconv.FormatFloat(v.n, 'f', -1, 64))
		}
		return v
	case KindList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			if item.kind == KindList {
				out[i] = String(Normalize(item).Text())
				continue
			}
			out[i] = Normalize(item)
		}
		return List(out...)
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, item := range v.m {
			out[k] = Normalize(item)
		}
		return Map(out)
	}
	return v
}

// NormalizeAny converts and normalizes an arbitrary Go value.
func NormalizeAny(in any) Value {
	return Normalize(FromAny(in))
}

// NormalizeMap normalizes a document and returns it as plain Go values ready
// for a document store.
func NormalizeMap(doc map[string]any) map[string]any {
	out, ok := NormalizeAny(doc).Any().(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return out
}

// Schema derives a dotted field path to kind mapping from a document. Lists are
// leaves.
func Schema(doc map[string]any) map[string]string {
	fields := make(map[string]string)
	collectSchema("", NormalizeAny(doc), fields)
	return fields
}

func collectSchema(prefix string, v Value, fields map[string]string) {
	if v.kind != KindMap {
		fields[prefix] = v.kind.String()
		return
	}
	if len(v.m) == 0 && prefix != "" {
		fields[prefix] = KindMap.String()
		return
	}
	for _, k := range SortedKeys(v.m) {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		collectSchema(path, v.m[k], fields)
	}
}
