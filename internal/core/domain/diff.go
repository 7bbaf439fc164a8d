package domain

import (
	"slices"
)

// KeySet is a set of IOC keys.
type KeySet map[IOCKey]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...IOCKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// KeysOf returns the key set of records.
func KeysOf(records []IOCRecord) KeySet {
	s := make(KeySet, len(records))
	for _, r := range records {
		s[r.Key()] = struct{}{}
	}
	return s
}

func (s KeySet) Has(k IOCKey) bool {
	_, ok := s[k]
	return ok
}

// Union returns a new set holding the keys of both sets.
func (s KeySet) Union(o KeySet) KeySet {
	out := make(KeySet, len(s)+len(o))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}

// Clone copies the set.
func (s KeySet) Clone() KeySet {
	return s.Union(nil)
}

// Equal reports whether both sets hold the same keys.
func (s KeySet) Equal(o KeySet) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if !o.Has(k) {
			return false
		}
	}
	return true
}

// Sorted returns the keys ordered by kind, then value.
func (s KeySet) Sorted() []IOCKey {
	keys := make([]IOCKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Strings returns the sorted "kind:value" forms.
func (s KeySet) Strings() []string {
	keys := s.Sorted()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// DiffResult holds what changed between two runs.
type DiffResult struct {
	Added   []IOCRecord
	Removed []IOCKey
}

// Diff compares the current batch against the previous snapshot by key.
// Added is sorted by (kind, value) so that builds are reproducible; a record
// appearing twice in current is reported once.
func Diff(current []IOCRecord, previous KeySet) DiffResult {
	seen := make(KeySet, len(current))
	var added []IOCRecord
	for _, r := range current {
		k := r.Key()
		if seen.Has(k) {
			continue
		}
		seen[k] = struct{}{}
		if !previous.Has(k) {
			added = append(added, r)
		}
	}
	slices.SortFunc(added, func(a, b IOCRecord) int { return compareKeys(a.Key(), b.Key()) })

	var removed []IOCKey
	for k := range previous {
		if !seen.Has(k) {
			removed = append(removed, k)
		}
	}
	slices.SortFunc(removed, compareKeys)

	return DiffResult{Added: added, Removed: removed}
}

func compareKeys(a, b IOCKey) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}
