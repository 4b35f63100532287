package windowedquery

import "github.com/appcore/datastore/storekey"

// Update is a normalised, composable edit to a WindowedQuery's list: parallel removed/added
// index+key arrays, a total length, an optional truncate-at-first-gap flag, and an optional
// upToStoreKey truncation marker.
//
// By convention a standalone Update's RemovedIndexes/RemovedStoreKeys are expressed relative to
// the list state it was computed against, and its AddedIndexes/AddedStoreKeys relative to the
// list state it leaves behind. compose preserves this convention across a chain of updates.
type Update struct {
	RemovedIndexes     []int
	RemovedStoreKeys   []storekey.Key
	AddedIndexes       []int
	AddedStoreKeys     []storekey.Key
	TruncateAtFirstGap bool
	Total              int
	UpToStoreKey       storekey.Key
}

// adjustIndexes maps each entry of indexes from the list state left by an update (whose own
// insertions/removals are addedIndexes/removedIndexes) back to the list state that update
// started from: subtract the number of earlier additions at lower indexes (they did
// not exist in the starting frame), then add the number of earlier removals at or before that
// index (they did exist there, and their removal is what shifted everything after them down).
func adjustIndexes(indexes, addedIndexes, removedIndexes []int) []int {
	out := make([]int, len(indexes))
	for i, idx := range indexes {
		adj := idx
		for _, a := range addedIndexes {
			if a < idx {
				adj--
			}
		}
		for _, r := range removedIndexes {
			if r <= idx {
				adj++
			}
		}
		out[i] = adj
	}
	return out
}

// invert returns the update that undoes u: every addition becomes a removal at the same index
// and vice versa.
func invert(u Update) Update {
	return Update{
		RemovedIndexes:   append([]int(nil), u.AddedIndexes...),
		RemovedStoreKeys: append([]storekey.Key(nil), u.AddedStoreKeys...),
		AddedIndexes:     append([]int(nil), u.RemovedIndexes...),
		AddedStoreKeys:   append([]storekey.Key(nil), u.RemovedStoreKeys...),
	}
}

// compose combines u1 (applied first) and u2 (applied second, to the list u1 leaves behind) into
// a single cumulative update with the same convention as a standalone Update: RemovedIndexes/
// RemovedStoreKeys relative to u1's starting list, AddedIndexes/AddedStoreKeys relative to the
// list left after both. Composition is not commutative: compose(u1, u2) != compose(u2, u1).
//
// An element u1 adds that u2 immediately removes again never existed across the whole
// composition and is dropped from both sides, rather than surfacing as a no-op removal of
// something the starting list never had.
func compose(u1, u2 Update) Update {
	remappedU2Removed := adjustIndexes(u2.RemovedIndexes, u1.AddedIndexes, u1.RemovedIndexes)

	addedSurvives := make([]bool, len(u1.AddedStoreKeys))
	for i := range addedSurvives {
		addedSurvives[i] = true
	}

	removedIndexes := append([]int(nil), u1.RemovedIndexes...)
	removedKeys := append([]storekey.Key(nil), u1.RemovedStoreKeys...)
	for i, k := range u2.RemovedStoreKeys {
		cancelled := false
		for j, ak := range u1.AddedStoreKeys {
			if addedSurvives[j] && ak == k {
				addedSurvives[j] = false
				cancelled = true
				break
			}
		}
		if cancelled {
			continue
		}
		removedIndexes = append(removedIndexes, remappedU2Removed[i])
		removedKeys = append(removedKeys, k)
	}

	// u1's surviving additions, re-expressed in the list left after u2: shifted forward by u2's
	// own insertions at or before them, and back by u2's own removals strictly before them.
	var addedIndexes []int
	var addedKeys []storekey.Key
	for j, idx := range u1.AddedIndexes {
		if !addedSurvives[j] {
			continue
		}
		adj := idx
		for _, a := range u2.AddedIndexes {
			if a <= adj {
				adj++
			}
		}
		for _, r := range u2.RemovedIndexes {
			if r < adj {
				adj--
			}
		}
		addedIndexes = append(addedIndexes, adj)
		addedKeys = append(addedKeys, u1.AddedStoreKeys[j])
	}
	addedIndexes = append(addedIndexes, u2.AddedIndexes...)
	addedKeys = append(addedKeys, u2.AddedStoreKeys...)

	upTo := u2.UpToStoreKey
	if upTo == "" {
		upTo = u1.UpToStoreKey
	}

	return sortedByIndex(Update{
		RemovedIndexes:     removedIndexes,
		RemovedStoreKeys:   removedKeys,
		AddedIndexes:       addedIndexes,
		AddedStoreKeys:     addedKeys,
		TruncateAtFirstGap: u1.TruncateAtFirstGap || u2.TruncateAtFirstGap,
		Total:              u2.Total,
		UpToStoreKey:       upTo,
	})
}

// equalUpdates reports whether two updates describe the same edit, ignoring array order (compose
// sorts by index, but callers constructing an Update by hand may not).
func equalUpdates(a, b Update) bool {
	if a.Total != b.Total || a.TruncateAtFirstGap != b.TruncateAtFirstGap || a.UpToStoreKey != b.UpToStoreKey {
		return false
	}
	return sameIndexedKeys(a.RemovedIndexes, a.RemovedStoreKeys, b.RemovedIndexes, b.RemovedStoreKeys) &&
		sameIndexedKeys(a.AddedIndexes, a.AddedStoreKeys, b.AddedIndexes, b.AddedStoreKeys)
}

func sameIndexedKeys(aIdx []int, aKeys []storekey.Key, bIdx []int, bKeys []storekey.Key) bool {
	if len(aIdx) != len(bIdx) {
		return false
	}
	type pair struct {
		idx int
		key storekey.Key
	}
	toSet := func(idx []int, keys []storekey.Key) map[pair]int {
		m := map[pair]int{}
		for i := range idx {
			m[pair{idx[i], keys[i]}]++
		}
		return m
	}
	am, bm := toSet(aIdx, aKeys), toSet(bIdx, bKeys)
	if len(am) != len(bm) {
		return false
	}
	for k, v := range am {
		if bm[k] != v {
			return false
		}
	}
	return true
}

func sortedByIndex(u Update) Update {
	sortPairs(u.RemovedIndexes, u.RemovedStoreKeys)
	sortPairs(u.AddedIndexes, u.AddedStoreKeys)
	return u
}

func sortPairs(indexes []int, keys []storekey.Key) {
	n := len(indexes)
	for i := 1; i < n; i++ {
		for j := i; j > 0 && indexes[j-1] > indexes[j]; j-- {
			indexes[j-1], indexes[j] = indexes[j], indexes[j-1]
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}

// applyToList applies a normalised Update to list, returning the resulting list and the lowest
// index affected (for bounding window-READY recomputation). list may be sparse: a gap is
// represented by storekey.Zero.
func applyToList(list []storekey.Key, u Update) (out []storekey.Key, firstChange int) {
	out = append([]storekey.Key(nil), list...)
	firstChange = len(out)

	if u.UpToStoreKey != "" {
		idx := lastIndexOf(out, u.UpToStoreKey)
		if idx < 0 {
			out = nil
		} else {
			out = out[:idx+1]
		}
		firstChange = 0
	}

	removeIdx := append([]int(nil), u.RemovedIndexes...)
	sortDescending(removeIdx)
	for _, idx := range removeIdx {
		if idx < 0 || idx >= len(out) {
			continue
		}
		if idx < firstChange {
			firstChange = idx
		}
		out = append(out[:idx], out[idx+1:]...)
	}

	if u.TruncateAtFirstGap {
		for i, sk := range out {
			if sk == storekey.Zero {
				if i < firstChange {
					firstChange = i
				}
				out = out[:i]
				break
			}
		}
	}

	addIdx := append([]int(nil), u.AddedIndexes...)
	addKeys := append([]storekey.Key(nil), u.AddedStoreKeys...)
	sortAscendingPairs(addIdx, addKeys)
	for i, idx := range addIdx {
		if idx < firstChange {
			firstChange = idx
		}
		if idx >= len(out) {
			for len(out) < idx {
				out = append(out, storekey.Zero)
			}
			out = append(out, addKeys[i])
			continue
		}
		out = append(out, storekey.Zero)
		copy(out[idx+1:], out[idx:])
		out[idx] = addKeys[i]
	}

	return out, firstChange
}

func lastIndexOf(list []storekey.Key, key storekey.Key) int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == key {
			return i
		}
	}
	return -1
}

func sortDescending(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] < a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}

func sortAscendingPairs(idx []int, keys []storekey.Key) {
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && idx[j-1] > idx[j]; j-- {
			idx[j-1], idx[j] = idx[j], idx[j-1]
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}
