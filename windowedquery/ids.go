package windowedquery

import (
	"github.com/appcore/datastore/source"
	"github.com/appcore/datastore/status"
)

// SourceDidFetchIds handles an id-range packet delivered by the Source. Packet positions/ids are
// adjusted for any outstanding preemptive updates that fall within the affected range before
// being spliced into storeKeys.
func (q *Query) SourceDidFetchIds(packet source.IDPacket) {
	q.mu.Lock()

	if q.queryState != "" && q.queryState != packet.QueryState {
		q.waitingPackets = append(q.waitingPackets, packet)
		q.mu.Unlock()
		q.setObsoleteLocked()
		return
	}
	defer q.mu.Unlock()
	if q.queryState == "" {
		q.queryState = packet.QueryState
	}

	position, ids := packet.Position, append([]string(nil), packet.IDs...)
	if len(q.preemptiveUpdates) > 0 {
		if !q.canGetDeltaUpdates {
			// Cannot reconcile incrementally against a full id packet once queryState may have
			// advanced past our preemptive overlay: adopt the server's snapshot outright.
			q.preemptiveUpdates = nil
		} else {
			position, ids = q.adjustPacketForPreemptivesLocked(position, ids)
		}
	}

	for i, id := range ids {
		sk := q.storeView.GetStoreKey(q.typeName, q.accountID, id)
		q.setStoreKeyAtLocked(position+i, sk)
	}

	q.rescanWindowReadyBitsLocked(position, position+len(ids))
	q.length = packet.Total

	q.emitIDsLoadedLocked()
	q.resolveRangeAwaitsLocked()
	q.resolveIndexLookupsLocked()
}

// adjustPacketForPreemptivesLocked maps an id packet's start position past the cumulative effect
// of every outstanding preemptive update (insertions shift the splice point forward, deletions
// compact it back), and drops any id whose storeKey was purely a local synthetic insertion never
// confirmed by the server.
func (q *Query) adjustPacketForPreemptivesLocked(position int, ids []string) (int, []string) {
	cumulative := q.composeAllPreemptivesLocked()
	newPosition := position
	for _, r := range cumulative.RemovedIndexes {
		if r < position {
			newPosition--
		}
	}
	added := append([]int(nil), cumulative.AddedIndexes...)
	sortDescending(added)
	for i := len(added) - 1; i >= 0; i-- {
		if added[i] <= newPosition {
			newPosition++
		}
	}

	synthetic := map[string]bool{}
	for _, sk := range cumulative.AddedStoreKeys {
		synthetic[q.storeView.GetIdFromStoreKey(sk)] = true
	}
	filtered := make([]string, 0, len(ids))
	for _, id := range ids {
		if synthetic[id] {
			continue
		}
		filtered = append(filtered, id)
	}
	return newPosition, filtered
}

func (q *Query) composeAllPreemptivesLocked() Update {
	cum := q.preemptiveUpdates[0]
	for _, u := range q.preemptiveUpdates[1:] {
		cum = compose(cum, u)
	}
	return cum
}

func (q *Query) setObsoleteLocked() {
	q.Base.SetBits(status.Obsolete)
}

func (q *Query) emitIDsLoadedLocked() {
	q.idsLoaded.Broadcast(struct{}{})
}

func (q *Query) resolveRangeAwaitsLocked() {
	remaining := q.rangeAwaits[:0]
	for _, a := range q.rangeAwaits {
		if q.rangeReadyLocked(a.start, a.end) {
			a.callback(q.sliceStoreKeysLocked(a.start, a.end))
			continue
		}
		remaining = append(remaining, a)
	}
	q.rangeAwaits = remaining
}
