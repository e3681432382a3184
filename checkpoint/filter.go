package checkpoint

import (
	"encoding/json"
	"reflect"
)

// MatchesFilter reports whether md satisfies filter: every filter key must be
// present in md with a structurally equal value. Equality is deep for nested
// mappings and sequences; there is no substring or ordering semantics. An
// empty filter matches everything.
func MatchesFilter(md Metadata, filter Metadata) bool {
	for key, want := range filter {
		got, ok := md[key]
		if !ok {
			return false
		}
		if !structurallyEqual(got, want) {
			return false
		}
	}
	return true
}

// structurallyEqual compares two values the way a JSON document comparison
// would: 1 equals 1.0, and map/slice contents are compared element-wise.
func structurallyEqual(a, b any) bool {
	return reflect.DeepEqual(jsonNormalize(a), jsonNormalize(b))
}

// jsonNormalize round-trips v through JSON so Go-typed values collapse onto
// the canonical JSON shapes. Values that cannot be encoded are returned
// unchanged and compare by plain deep equality.
func jsonNormalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
