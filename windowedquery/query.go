// Package windowedquery implements a potentially very long, server-ordered list addressed by
// index, paged in fixed-size windows, with delta-update reconciliation against optimistic
// client-side edits.
//
// This is the hardest module in the datastore: unlike LocalQuery, which only ever recomputes from
// records already in memory, a WindowedQuery tracks partial knowledge of a remote list (a sparse
// storeKeys array, a per-window state machine) and must reconcile server-authored delta updates
// against a FIFO of its own preemptive edits that have not yet been confirmed. The composition
// algebra (compose/invert/adjustIndexes/applyToList) lives in algebra.go with its own unit tests,
// kept isolated from the query's locking and window bookkeeping.
package windowedquery

import (
	"context"
	"sync"

	"github.com/appcore/datastore/internal/broadcast"
	"github.com/appcore/datastore/query"
	"github.com/appcore/datastore/runloop"
	"github.com/appcore/datastore/source"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
)

// DefaultWindowSize is the number of positions grouped into a single window.
const DefaultWindowSize = 30

// windowBits is the per-window state machine bitmask.
type windowBits uint8

const (
	wRequested windowBits = 1 << iota
	wLoading
	wReady
	wRecordsRequested
	wRecordsLoading
	wRecordsReady
)

// StoreView is the subset of *store.Store a WindowedQuery needs to translate between ids (wire
// form) and storeKeys (in-memory form).
type StoreView interface {
	GetStoreKey(typeName, accountID, id string) storekey.Key
	GetIdFromStoreKey(sk storekey.Key) string
	AddQuery(q interface{ ID() string })
	RemoveQuery(id string)
}

// rangeAwait is a pending getStoreKeysForObjectsInRange call blocked on further fetching.
type rangeAwait struct {
	start, end int
	callback   func([]storekey.Key)
}

// indexLookup is a pending indexOfStoreKey call blocked on further fetching.
type indexLookup struct {
	id        string
	from      int
	callbacks []func(index int, found bool)
}

// Query is a live, paged view over a remote, server-ordered list.
type Query struct {
	*query.Base

	storeView StoreView
	src       source.Source
	loop      runloop.RunLoop

	typeName  string
	accountID string

	windowSize         int
	prefetch           int
	optimiseFetching   bool
	canGetDeltaUpdates bool

	mu             sync.Mutex
	storeKeys      []storekey.Key
	windows        []windowBits
	queryState     string
	length         int
	observedRanges []source.Range

	preemptiveUpdates []Update
	waitingPackets    []source.IDPacket
	indexLookups      []*indexLookup
	rangeAwaits       []rangeAwait

	fetchScheduled bool

	idsLoaded *broadcast.Broadcaster[struct{}]
	updated   *broadcast.Broadcaster[UpdateEvent]
}

// UpdateEvent is broadcast by Updated() every time the apply-update algorithm runs, carrying the
// literal removed/added index and storeKey arrays.
type UpdateEvent struct {
	RemovedIndexes   []int
	RemovedStoreKeys []storekey.Key
	AddedIndexes     []int
	AddedStoreKeys   []storekey.Key
}

// Config holds a WindowedQuery's tunables.
type Config struct {
	WindowSize         int
	Prefetch           int
	OptimiseFetching   bool
	CanGetDeltaUpdates bool
}

// New creates a WindowedQuery over (typeName, accountID) and registers it with storeView.
func New(storeView StoreView, src source.Source, loop runloop.RunLoop, typeName, accountID string, cfg Config) *Query {
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	q := &Query{
		Base:               query.NewBase(""),
		storeView:          storeView,
		src:                src,
		loop:               loop,
		typeName:           typeName,
		accountID:          accountID,
		windowSize:         windowSize,
		prefetch:           cfg.Prefetch,
		optimiseFetching:   cfg.OptimiseFetching,
		canGetDeltaUpdates: cfg.CanGetDeltaUpdates,
		idsLoaded:          broadcast.New[struct{}](),
		updated:            broadcast.New[UpdateEvent](),
	}
	storeView.AddQuery(q)
	return q
}

// AccountID implements source.Query.
func (q *Query) AccountID() string { return q.accountID }

// TypeName implements source.Query.
func (q *Query) TypeName() string { return q.typeName }

// IDsLoaded returns the broadcaster fired after every SourceDidFetchIds.
func (q *Query) IDsLoaded() *broadcast.Broadcaster[struct{}] { return q.idsLoaded }

// Updated returns the broadcaster fired after every apply-update ("query:updated").
func (q *Query) Updated() *broadcast.Broadcaster[UpdateEvent] { return q.updated }

// Length returns the query's current known total length.
func (q *Query) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// At returns the storeKey at position i, or storekey.Zero if i falls in a window not yet loaded.
func (q *Query) At(i int) storekey.Key {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.storeKeys) {
		return storekey.Zero
	}
	return q.storeKeys[i]
}

// QueryState returns the current opaque server state token.
func (q *Query) QueryState() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queryState
}

// PendingPreemptiveCount reports how many unconfirmed preemptive updates remain, for tests and
// diagnostics.
func (q *Query) PendingPreemptiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.preemptiveUpdates)
}

func (q *Query) windowIndexLocked(pos int) int { return pos / q.windowSize }

func (q *Query) ensureWindowCapacityLocked(uptoWindowIdx int) {
	for len(q.windows) <= uptoWindowIdx {
		q.windows = append(q.windows, 0)
	}
}

func (q *Query) ensureStoreKeysCapacityLocked(uptoIdx int) {
	for len(q.storeKeys) <= uptoIdx {
		q.storeKeys = append(q.storeKeys, storekey.Zero)
	}
}

func (q *Query) setStoreKeyAtLocked(idx int, sk storekey.Key) {
	q.ensureStoreKeysCapacityLocked(idx)
	q.storeKeys[idx] = sk
}

// rescanWindowReadyBitsLocked recomputes the wReady bit for every window intersecting
// [fromPos, toPos): a window is READY iff every slot in it is defined. RECORDS_READY is cleared
// on any window whose contents changed, since its fetched records may no longer match the slots.
func (q *Query) rescanWindowReadyBitsLocked(fromPos, toPos int) {
	if fromPos < 0 {
		fromPos = 0
	}
	fromWin := q.windowIndexLocked(fromPos)
	toWin := q.windowIndexLocked(maxInt(toPos-1, fromPos))
	q.ensureWindowCapacityLocked(toWin)
	for w := fromWin; w <= toWin; w++ {
		start := w * q.windowSize
		end := start + q.windowSize
		ready := true
		for p := start; p < end; p++ {
			if p >= len(q.storeKeys) || q.storeKeys[p] == storekey.Zero {
				ready = false
				break
			}
		}
		bits := q.windows[w]
		if ready {
			bits = (bits &^ (wRequested | wLoading)) | wReady
		} else {
			bits &^= wReady
		}
		bits &^= wRecordsReady
		q.windows[w] = bits
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// requestWindowLocked flips a window to REQUESTED unless it is already requested, in flight, or
// (absent a forced refresh) already READY.
func (q *Query) requestWindowLocked(w int, refresh bool) {
	q.ensureWindowCapacityLocked(w)
	bits := q.windows[w]
	if refresh {
		q.windows[w] = (bits &^ (wReady | wLoading)) | wRequested
		return
	}
	if bits&(wRequested|wLoading|wReady) == 0 {
		q.windows[w] = bits | wRequested
	}
}

func (q *Query) requestRecordsForWindowLocked(w int) {
	q.ensureWindowCapacityLocked(w)
	bits := q.windows[w]
	if bits&wReady == 0 {
		return
	}
	if bits&(wRecordsRequested|wRecordsLoading|wRecordsReady) == 0 {
		q.windows[w] = bits | wRecordsRequested
	}
}

// maybeScheduleFetchLocked coalesces any number of requests made within one run-loop turn into a
// single src.FetchQuery call on the Middle queue, the same discipline store.maybeScheduleCommit
// uses for commits.
func (q *Query) maybeScheduleFetchLocked() {
	if q.fetchScheduled {
		return
	}
	q.fetchScheduled = true
	q.loop.Defer(runloop.Middle, func() {
		q.mu.Lock()
		q.fetchScheduled = false
		q.mu.Unlock()
		q.src.FetchQuery(context.Background(), q)
	})
}

// Destroy deregisters the query and releases its state.
func (q *Query) Destroy() {
	q.storeView.RemoveQuery(q.ID())
	q.MarkDestroyed()
}
