package windowedquery

import "github.com/appcore/datastore/source"

// ObserveRange records that a range observer (e.g. a virtualized list view) currently cares about
// [start, start+count), so optimiseFetching keeps windows intersecting it (±Prefetch windows of
// slack) eligible for fetching. Returns an unsubscribe func.
func (q *Query) ObserveRange(start, count int) func() {
	q.mu.Lock()
	r := source.Range{Start: start, Count: count}
	q.observedRanges = append(q.observedRanges, r)
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for idx := range q.observedRanges {
			if q.observedRanges[idx] == r {
				q.observedRanges = append(q.observedRanges[:idx], q.observedRanges[idx+1:]...)
				return
			}
		}
	}
}

// windowLiveLocked reports whether window w is within ±prefetch windows of some observed range,
// or whether optimiseFetching is off (in which case every requested window is always live).
func (q *Query) windowLiveLocked(w int) bool {
	if !q.optimiseFetching || len(q.observedRanges) == 0 {
		return true
	}
	for _, r := range q.observedRanges {
		firstWin := q.windowIndexLocked(r.Start) - q.prefetch
		lastWin := q.windowIndexLocked(maxInt(r.Start+r.Count-1, r.Start)) + q.prefetch
		if w >= firstWin && w <= lastWin {
			return true
		}
	}
	return false
}

// WillFetch implements source.Query: it walks windows[],
// coalesces contiguous requested id/record windows into ranges, drops windows optimiseFetching
// says are no longer live, sets LOADING bits for everything it includes, and returns a request
// whose Done callback clears those LOADING bits.
func (q *Query) WillFetch() (source.FetchRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var idRanges, recordRanges []source.Range
	var loadingIDWindows, loadingRecordWindows []int

	appendRange := func(ranges []source.Range, startWin, endWin int) []source.Range {
		return append(ranges, source.Range{Start: startWin * q.windowSize, Count: (endWin - startWin + 1) * q.windowSize})
	}

	runStart := -1
	for w := 0; w < len(q.windows); w++ {
		needsIDs := q.windows[w]&wRequested != 0 && q.windowLiveLocked(w)
		if needsIDs {
			if runStart < 0 {
				runStart = w
			}
		} else if runStart >= 0 {
			idRanges = appendRange(idRanges, runStart, w-1)
			runStart = -1
		}
	}
	if runStart >= 0 {
		idRanges = appendRange(idRanges, runStart, len(q.windows)-1)
	}

	runStart = -1
	for w := 0; w < len(q.windows); w++ {
		needsRecords := q.windows[w]&wRecordsRequested != 0 && q.windowLiveLocked(w)
		if needsRecords {
			if runStart < 0 {
				runStart = w
			}
		} else if runStart >= 0 {
			recordRanges = appendRange(recordRanges, runStart, w-1)
			runStart = -1
		}
	}
	if runStart >= 0 {
		recordRanges = appendRange(recordRanges, runStart, len(q.windows)-1)
	}

	var indexOf []string
	for _, lookup := range q.indexLookups {
		indexOf = append(indexOf, lookup.id)
	}

	if len(idRanges) == 0 && len(recordRanges) == 0 && len(indexOf) == 0 {
		return source.FetchRequest{}, false
	}

	for w := 0; w < len(q.windows); w++ {
		if q.windows[w]&wRequested != 0 && q.windowLiveLocked(w) {
			q.windows[w] = (q.windows[w] &^ wRequested) | wLoading
			loadingIDWindows = append(loadingIDWindows, w)
		}
		if q.windows[w]&wRecordsRequested != 0 && q.windowLiveLocked(w) {
			q.windows[w] = (q.windows[w] &^ wRecordsRequested) | wRecordsLoading
			loadingRecordWindows = append(loadingRecordWindows, w)
		}
	}

	return source.FetchRequest{
		IDRanges:     idRanges,
		RecordRanges: recordRanges,
		IndexOf:      indexOf,
		Done: func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			for _, w := range loadingIDWindows {
				if w < len(q.windows) {
					q.windows[w] &^= wLoading
				}
			}
			for _, w := range loadingRecordWindows {
				if w < len(q.windows) {
					q.windows[w] &^= wRecordsLoading
				}
			}
		},
	}, true
}
