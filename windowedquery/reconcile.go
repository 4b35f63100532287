package windowedquery

import (
	"github.com/appcore/datastore/source"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
)

// PreemptiveAdd describes one insertion in a client-generated preemptive edit.
type PreemptiveAdd struct {
	Index    int
	StoreKey storekey.Key
}

// ClientDidGenerateUpdate registers an optimistic, not-yet-confirmed client edit, applies it to
// the list immediately, and marks the query DIRTY|OBSOLETE until the server confirms or
// contradicts it. Unknown removes (a storeKey not currently in the list) are silently ignored.
func (q *Query) ClientDidGenerateUpdate(removed []storekey.Key, added []PreemptiveAdd) {
	q.mu.Lock()

	var removedIndexes []int
	var removedKeys []storekey.Key
	for _, sk := range removed {
		for i, k := range q.storeKeys {
			if k == sk {
				removedIndexes = append(removedIndexes, i)
				removedKeys = append(removedKeys, sk)
				break
			}
		}
	}

	addedIndexes := make([]int, len(added))
	addedKeys := make([]storekey.Key, len(added))
	for i, a := range added {
		addedIndexes[i] = a.Index
		addedKeys[i] = a.StoreKey
	}

	u := Update{
		RemovedIndexes:   removedIndexes,
		RemovedStoreKeys: removedKeys,
		AddedIndexes:     addedIndexes,
		AddedStoreKeys:   addedKeys,
		Total:            q.length - len(removedIndexes) + len(addedIndexes),
	}

	ev, drain := q.applyUpdateLocked(u)
	q.preemptiveUpdates = append(q.preemptiveUpdates, u)
	q.mu.Unlock()

	q.SetBits(status.Dirty | status.Obsolete)
	q.updated.Broadcast(ev)
	for _, p := range drain {
		q.SourceDidFetchIds(p)
	}
}

// SourceDidFetchUpdate reconciles a server-authored delta update against any outstanding
// preemptive updates.
func (q *Query) SourceDidFetchUpdate(update source.DeltaUpdate) {
	q.mu.Lock()

	if q.queryState == update.NewQueryState {
		if len(q.preemptiveUpdates) > 0 && !q.Is(status.Dirty) {
			cumulative := q.composeAllPreemptivesLocked()
			inv := invert(cumulative)
			inv.Total = update.Total
			ev, drain := q.applyUpdateLocked(inv)
			q.preemptiveUpdates = nil
			q.mu.Unlock()
			q.updated.Broadcast(ev)
			for _, p := range drain {
				q.SourceDidFetchIds(p)
			}
			return
		}
		q.mu.Unlock()
		return
	}

	if q.queryState != update.OldQueryState {
		q.mu.Unlock()
		q.setObsoleteLocked()
		return
	}

	q.queryState = update.NewQueryState

	if len(q.preemptiveUpdates) == 0 {
		normalised := q.normaliseServerUpdateLocked(update, nil)
		ev, drain := q.applyUpdateLocked(normalised)
		q.mu.Unlock()
		q.ClearBits(status.Obsolete)
		q.updated.Broadcast(ev)
		for _, p := range drain {
			q.SourceDidFetchIds(p)
		}
		return
	}

	prefixes := q.prefixCompositionsLocked()
	cumulative := prefixes[len(prefixes)-1]
	normalised := q.normaliseServerUpdateLocked(update, &cumulative)

	matchIdx := -1
	for i, p := range prefixes {
		if equalUpdates(normalised, p) {
			matchIdx = i
		}
	}

	if matchIdx >= 0 {
		q.preemptiveUpdates = q.preemptiveUpdates[matchIdx+1:]
		stillDirty := len(q.preemptiveUpdates) > 0
		drain := q.drainWaitingPacketsLocked()
		q.mu.Unlock()
		if !stillDirty {
			q.ClearBits(status.Dirty | status.Obsolete)
		}
		for _, p := range drain {
			q.SourceDidFetchIds(p)
		}
		return
	}

	invPre := invert(cumulative)
	combined := compose(invPre, normalised)
	q.preemptiveUpdates = nil
	ev, drain := q.applyUpdateLocked(combined)
	q.mu.Unlock()
	q.ClearBits(status.Dirty | status.Obsolete)
	q.updated.Broadcast(ev)
	for _, p := range drain {
		q.SourceDidFetchIds(p)
	}
}

// prefixCompositionsLocked returns, for each i, compose(preemptiveUpdates[0..i]).
func (q *Query) prefixCompositionsLocked() []Update {
	prefixes := make([]Update, len(q.preemptiveUpdates))
	cum := q.preemptiveUpdates[0]
	prefixes[0] = cum
	for i := 1; i < len(q.preemptiveUpdates); i++ {
		cum = compose(cum, q.preemptiveUpdates[i])
		prefixes[i] = cum
	}
	return prefixes
}

// normaliseServerUpdateLocked translates a wire DeltaUpdate into an Update expressed in storeKeys.
// When cumulative is non-nil, removed positions are resolved preferentially against its own
// removedStoreKeys, falling back to a scan of the current (preemptive-affected) list mapped back
// into the pre-preemptive frame via adjustIndexes. An id that cannot be located either way sets
// TruncateAtFirstGap.
func (q *Query) normaliseServerUpdateLocked(update source.DeltaUpdate, cumulative *Update) Update {
	var removedIndexes []int
	var removedKeys []storekey.Key
	truncate := false

	for _, id := range update.Removed {
		sk := q.storeView.GetStoreKey(q.typeName, q.accountID, id)
		idx, ok := -1, false

		if cumulative != nil {
			for i, k := range cumulative.RemovedStoreKeys {
				if k == sk {
					idx, ok = cumulative.RemovedIndexes[i], true
					break
				}
			}
		}
		if !ok {
			for i, k := range q.storeKeys {
				if k == sk {
					idx, ok = i, true
					break
				}
			}
			if ok && cumulative != nil {
				idx = adjustIndexes([]int{idx}, cumulative.AddedIndexes, cumulative.RemovedIndexes)[0]
			}
		}
		if !ok {
			truncate = true
			continue
		}
		removedIndexes = append(removedIndexes, idx)
		removedKeys = append(removedKeys, sk)
	}

	addedIndexes := make([]int, len(update.Added))
	addedKeys := make([]storekey.Key, len(update.Added))
	for i, a := range update.Added {
		addedIndexes[i] = a.Index
		addedKeys[i] = q.storeView.GetStoreKey(q.typeName, q.accountID, a.ID)
	}

	removedIndexes, removedKeys, addedIndexes, addedKeys = cancelIdempotentPairs(removedIndexes, removedKeys, addedIndexes, addedKeys)

	var upTo storekey.Key
	if update.UpToID != "" {
		upTo = q.storeView.GetStoreKey(q.typeName, q.accountID, update.UpToID)
	}

	return Update{
		RemovedIndexes:     removedIndexes,
		RemovedStoreKeys:   removedKeys,
		AddedIndexes:       addedIndexes,
		AddedStoreKeys:     addedKeys,
		TruncateAtFirstGap: truncate,
		Total:              update.Total,
		UpToStoreKey:       upTo,
	}
}

// cancelIdempotentPairs drops any (index, storeKey) pair that appears identically in both the
// removed and added arrays: a position whose occupant is removed and then immediately reinserted
// at the same spot never actually changed.
func cancelIdempotentPairs(remIdx []int, remKeys []storekey.Key, addIdx []int, addKeys []storekey.Key) ([]int, []storekey.Key, []int, []storekey.Key) {
	removeMask := make([]bool, len(remIdx))
	addMask := make([]bool, len(addIdx))
	for i := range remIdx {
		for j := range addIdx {
			if !addMask[j] && remIdx[i] == addIdx[j] && remKeys[i] == addKeys[j] {
				removeMask[i] = true
				addMask[j] = true
				break
			}
		}
	}
	var outRemIdx []int
	var outRemKeys []storekey.Key
	for i := range remIdx {
		if !removeMask[i] {
			outRemIdx = append(outRemIdx, remIdx[i])
			outRemKeys = append(outRemKeys, remKeys[i])
		}
	}
	var outAddIdx []int
	var outAddKeys []storekey.Key
	for j := range addIdx {
		if !addMask[j] {
			outAddIdx = append(outAddIdx, addIdx[j])
			outAddKeys = append(outAddKeys, addKeys[j])
		}
	}
	return outRemIdx, outRemKeys, outAddIdx, outAddKeys
}

// applyUpdateLocked applies a normalised Update to the list, updating storeKeys, length, and
// window READY bits, and returns the UpdateEvent to broadcast plus any now-deliverable waiting
// packets for the caller to replay once q.mu is released.
func (q *Query) applyUpdateLocked(u Update) (UpdateEvent, []source.IDPacket) {
	newList, firstChange := applyToList(q.storeKeys, u)
	q.storeKeys = newList
	q.length = u.Total

	lastWin := q.windowIndexLocked(maxInt(len(q.storeKeys)-1, 0))
	if len(q.windows)-1 > lastWin {
		lastWin = len(q.windows) - 1
	}
	q.ensureWindowCapacityLocked(lastWin)
	q.rescanWindowReadyBitsLocked(maxInt(firstChange, 0), (lastWin+1)*q.windowSize)

	ev := UpdateEvent{
		RemovedIndexes:   u.RemovedIndexes,
		RemovedStoreKeys: u.RemovedStoreKeys,
		AddedIndexes:     u.AddedIndexes,
		AddedStoreKeys:   u.AddedStoreKeys,
	}
	return ev, q.drainWaitingPacketsLocked()
}

// drainWaitingPacketsLocked removes and returns every waiting packet whose queryState matches the
// query's current one, for the caller to replay via SourceDidFetchIds.
func (q *Query) drainWaitingPacketsLocked() []source.IDPacket {
	var drain []source.IDPacket
	var remaining []source.IDPacket
	for _, p := range q.waitingPackets {
		if p.QueryState == q.queryState {
			drain = append(drain, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	q.waitingPackets = remaining
	return drain
}
