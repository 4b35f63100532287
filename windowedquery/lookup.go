package windowedquery

import "github.com/appcore/datastore/storekey"

// GetStoreKeysForObjectsInRange delivers the storeKeys for [start, end) once every window they
// intersect is READY, requesting any window that is not and scheduling a fetch.
func (q *Query) GetStoreKeysForObjectsInRange(start, end int, callback func([]storekey.Key)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	start = maxInt(0, start)
	end = minInt(end, q.length)
	if end <= start {
		callback(nil)
		return
	}

	if q.rangeReadyLocked(start, end) {
		callback(q.sliceStoreKeysLocked(start, end))
		return
	}

	needsFetch := false
	for w := q.windowIndexLocked(start); w <= q.windowIndexLocked(end-1); w++ {
		if q.windows[w]&wReady == 0 {
			q.requestWindowLocked(w, false)
			needsFetch = true
		}
	}
	q.rangeAwaits = append(q.rangeAwaits, rangeAwait{start: start, end: end, callback: callback})
	if needsFetch {
		q.maybeScheduleFetchLocked()
	}
}

func (q *Query) rangeReadyLocked(start, end int) bool {
	if end > q.length {
		return false
	}
	for w := q.windowIndexLocked(start); w <= q.windowIndexLocked(maxInt(end-1, start)); w++ {
		if w >= len(q.windows) || q.windows[w]&wReady == 0 {
			return false
		}
	}
	return true
}

func (q *Query) sliceStoreKeysLocked(start, end int) []storekey.Key {
	out := make([]storekey.Key, end-start)
	for i := start; i < end; i++ {
		if i < len(q.storeKeys) {
			out[i-start] = q.storeKeys[i]
		}
	}
	return out
}

// allIDsAreLoadedLocked reports whether every position up to length has a known storeKey.
func (q *Query) allIDsAreLoadedLocked() bool {
	if len(q.storeKeys) < q.length {
		return false
	}
	for i := 0; i < q.length; i++ {
		if q.storeKeys[i] == storekey.Zero {
			return false
		}
	}
	return true
}

// IndexOfStoreKey resolves sk's current position, searching from `from` onward. If sk is not
// currently known and not every id is loaded, the lookup is queued for the Source to resolve and
// a fetch is scheduled; callback fires once it resolves.
func (q *Query) IndexOfStoreKey(sk storekey.Key, from int, callback func(index int, found bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := maxInt(from, 0); i < len(q.storeKeys); i++ {
		if q.storeKeys[i] == sk {
			callback(i, true)
			return
		}
	}

	if q.allIDsAreLoadedLocked() {
		callback(-1, false)
		return
	}

	id := q.storeView.GetIdFromStoreKey(sk)
	for _, lookup := range q.indexLookups {
		if lookup.id == id {
			lookup.callbacks = append(lookup.callbacks, callback)
			return
		}
	}
	q.indexLookups = append(q.indexLookups, &indexLookup{id: id, from: from, callbacks: []func(int, bool){callback}})
	q.maybeScheduleFetchLocked()
}

// SourceDidResolveIndex delivers the result of a previously requested indexOf lookup.
func (q *Query) SourceDidResolveIndex(id string, index int, found bool) {
	q.mu.Lock()
	var callbacks []func(int, bool)
	remaining := q.indexLookups[:0]
	for _, lookup := range q.indexLookups {
		if lookup.id == id {
			callbacks = lookup.callbacks
			continue
		}
		remaining = append(remaining, lookup)
	}
	q.indexLookups = remaining
	q.mu.Unlock()

	for _, cb := range callbacks {
		cb(index, found)
	}
}

func (q *Query) resolveIndexLookupsLocked() {
	// Lookups resolve only through SourceDidResolveIndex (the source explicitly reports the
	// index) or by being satisfied locally in IndexOfStoreKey; an id packet arriving does not by
	// itself guarantee a pending lookup's id was among it, so nothing to do here beyond letting a
	// caller re-issue IndexOfStoreKey once ids have loaded further.
}
