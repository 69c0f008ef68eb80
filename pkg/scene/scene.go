package scene

import (
	"slices"
	"strings"
)

// DocumentVersion is the order independent aggregate of every element version, deleted
// elements included. Two element sets with the same (id, version, deleted) triples always
// produce the same value.
func DocumentVersion(elements []Element) int64 {
	var v int64
	for _, e := range elements {
		v += e.Version
	}
	return v
}

// Restore normalizes elements received from a peer into the local representation. Elements
// without an id are dropped, versions below 1 are raised to 1, and when the same id appears
// more than once only the highest version is kept.
func Restore(incoming []Element) []Element {
	out := make([]Element, 0, len(incoming))
	seen := make(map[string]int, len(incoming))
	for _, e := range incoming {
		if strings.TrimSpace(e.ID) == "" {
			continue
		}
		e = e.Clone()
		if e.Version < 1 {
			e.Version = 1
		}
		if i, ok := seen[e.ID]; ok {
			if e.Version > out[i].Version {
				out[i] = e
			}
			continue
		}
		seen[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}

// Reconcile merges incoming into local using last-writer-wins per element, compared by
// version number only. An incoming element replaces the local one when its version is
// strictly greater, or is appended when the id is unknown locally. Local elements missing
// from incoming are kept. The returned accepted slice holds the incoming elements that won.
func Reconcile(local, incoming []Element) (merged []Element, accepted []Element) {
	merged = make([]Element, 0, len(local)+len(incoming))
	index := make(map[string]int, len(local)+len(incoming))
	for _, e := range local {
		if i, ok := index[e.ID]; ok {
			if e.Version > merged[i].Version {
				merged[i] = e.Clone()
			}
			continue
		}
		index[e.ID] = len(merged)
		merged = append(merged, e.Clone())
	}
	for _, e := range incoming {
		i, ok := index[e.ID]
		switch {
		case !ok:
			index[e.ID] = len(merged)
			merged = append(merged, e.Clone())
		case e.Version > merged[i].Version:
			merged[i] = e.Clone()
		default:
			continue
		}
		accepted = append(accepted, e.Clone())
	}
	return merged, accepted
}

// Live filters out soft-deleted elements.
func Live(elements []Element) []Element {
	return slices.DeleteFunc(slices.Clone(elements), func(e Element) bool {
		return e.Deleted
	})
}

// Versions returns the id to version map of elements.
func Versions(elements []Element) map[string]int64 {
	out := make(map[string]int64, len(elements))
	for _, e := range elements {
		out[e.ID] = e.Version
	}
	return out
}

// SortByID orders elements by id, which is convenient when comparing two element sets
// that may have been built in different orders.
func SortByID(elements []Element) []Element {
	out := slices.Clone(elements)
	slices.SortFunc(out, func(a, b Element) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
