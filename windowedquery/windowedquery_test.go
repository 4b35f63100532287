package windowedquery_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/appcore/datastore/runloop"
	"github.com/appcore/datastore/source"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
	"github.com/appcore/datastore/windowedquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStoreView assigns each (typeName, accountID, id) a deterministic storeKey and remembers the
// mapping both ways, the minimal contract windowedquery.Query needs from a real *store.Store.
type fakeStoreView struct {
	byID    map[string]storekey.Key
	byKey   map[storekey.Key]string
	queries map[string]bool
}

func newFakeStoreView() *fakeStoreView {
	return &fakeStoreView{byID: map[string]storekey.Key{}, byKey: map[storekey.Key]string{}, queries: map[string]bool{}}
}

func (f *fakeStoreView) GetStoreKey(typeName, accountID, id string) storekey.Key {
	k := typeName + ":" + accountID + ":" + id
	if sk, ok := f.byID[k]; ok {
		return sk
	}
	sk := storekey.Key(k)
	f.byID[k] = sk
	f.byKey[sk] = id
	return sk
}

func (f *fakeStoreView) GetIdFromStoreKey(sk storekey.Key) string { return f.byKey[sk] }
func (f *fakeStoreView) AddQuery(q interface{ ID() string })      { f.queries[q.ID()] = true }
func (f *fakeStoreView) RemoveQuery(id string)                    { delete(f.queries, id) }

// fakeSource is a synchronous stand-in for source.Source; only FetchQuery is exercised here.
type fakeSource struct {
	fetchQuery func(ctx context.Context, q source.Query)
}

func (f *fakeSource) FetchRecord(ctx context.Context, accountID, typeName, id string, done func(source.FetchResult, error)) {
}
func (f *fakeSource) RefreshRecord(ctx context.Context, accountID, typeName, id string, done func(source.FetchResult, error)) {
}
func (f *fakeSource) FetchAllRecords(ctx context.Context, accountID, typeName, sinceState string, done func(source.FetchResult, error)) {
}
func (f *fakeSource) FetchQuery(ctx context.Context, q source.Query) {
	if f.fetchQuery != nil {
		f.fetchQuery(ctx, q)
	}
}
func (f *fakeSource) CommitChanges(ctx context.Context, changes source.ChangeEntry, done func(source.CommitResult)) {
}

func newQuery(t *testing.T, sv *fakeStoreView, src *fakeSource, loop runloop.RunLoop, cfg windowedquery.Config) *windowedquery.Query {
	t.Helper()
	return windowedquery.New(sv, src, loop, "Widget", "acct1", cfg)
}

func idOf(n int) string { return fmt.Sprintf("w%d", n) }

// seedIds delivers a full id packet [0, total) to q, as if a fetch had just completed.
func seedIds(q *windowedquery.Query, queryState string, total int) {
	ids := make([]string, total)
	for i := range ids {
		ids[i] = idOf(i)
	}
	q.SourceDidFetchIds(source.IDPacket{QueryState: queryState, Position: 0, IDs: ids, Total: total})
}

func TestNewQueryRegistersWithStore(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{})
	assert.NotEmpty(t, q.ID())
	assert.True(t, sv.queries[q.ID()])
	assert.Equal(t, "acct1", q.AccountID())
	assert.Equal(t, "Widget", q.TypeName())
}

func TestSourceDidFetchIdsPopulatesListAndLength(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{})

	seedIds(q, "v1", 5)

	require.Equal(t, 5, q.Length())
	assert.Equal(t, sv.GetStoreKey("Widget", "acct1", idOf(2)), q.At(2))
	assert.Equal(t, "v1", q.QueryState())
}

func TestSourceDidFetchIdsWithStaleQueryStateIsQueuedAndMarksObsolete(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{})

	seedIds(q, "v1", 3)
	require.False(t, q.Is(status.Obsolete))

	// A packet carrying an older queryState than the one the query already adopted is deferred
	// rather than applied, and flips OBSOLETE until something advances the query past it.
	q.SourceDidFetchIds(source.IDPacket{QueryState: "v0", Position: 0, IDs: []string{idOf(0)}, Total: 3})
	assert.True(t, q.Is(status.Obsolete))
}

// S4: a windowed delta update that exactly matches an outstanding preemptive edit is silently
// confirmed — the preemptive is dropped and the list is left as the preemptive already made it.
func TestSourceDidFetchUpdateConfirmsMatchingPreemptive(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{CanGetDeltaUpdates: true})

	seedIds(q, "v1", 3)
	newKey := sv.GetStoreKey("Widget", "acct1", "new1")

	q.ClientDidGenerateUpdate(nil, []windowedquery.PreemptiveAdd{{Index: 1, StoreKey: newKey}})
	require.Equal(t, 1, q.PendingPreemptiveCount())
	require.Equal(t, newKey, q.At(1))
	require.Equal(t, 4, q.Length())

	// The server confirms the exact same insertion.
	q.SourceDidFetchUpdate(source.DeltaUpdate{
		OldQueryState: "v1",
		NewQueryState: "v2",
		Added:         []source.Added{{Index: 1, ID: "new1"}},
		Total:         4,
	})

	assert.Equal(t, 0, q.PendingPreemptiveCount())
	assert.Equal(t, "v2", q.QueryState())
	assert.Equal(t, newKey, q.At(1))
	assert.Equal(t, 4, q.Length())
}

// S5: a windowed delta that contradicts an outstanding preemptive is applied by inverting the
// preemptive and composing it with the real server update, so the client's guess is discarded.
func TestSourceDidFetchUpdateContradictsPreemptive(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{CanGetDeltaUpdates: true})

	seedIds(q, "v1", 3)
	guessedKey := sv.GetStoreKey("Widget", "acct1", "guessed")

	q.ClientDidGenerateUpdate(nil, []windowedquery.PreemptiveAdd{{Index: 0, StoreKey: guessedKey}})
	require.Equal(t, guessedKey, q.At(0))
	require.Equal(t, 4, q.Length())

	// The server reports a different insertion at the same spot instead.
	actualKey := sv.GetStoreKey("Widget", "acct1", "actual")
	q.SourceDidFetchUpdate(source.DeltaUpdate{
		OldQueryState: "v1",
		NewQueryState: "v2",
		Added:         []source.Added{{Index: 0, ID: "actual"}},
		Total:         4,
	})

	assert.Equal(t, 0, q.PendingPreemptiveCount())
	assert.Equal(t, actualKey, q.At(0))
	assert.NotEqual(t, guessedKey, q.At(0))
	assert.Equal(t, 4, q.Length())
}

// S6: an id packet whose queryState doesn't match is replayed once the query advances to it.
func TestWaitingPacketReplaysAfterQueryStateAdvances(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{})

	seedIds(q, "v1", 2)

	// This packet is ahead of the query (v2 hasn't been adopted yet via an update), so it waits.
	q.SourceDidFetchIds(source.IDPacket{QueryState: "v2", Position: 0, IDs: []string{"x0", "x1"}, Total: 2})
	assert.Equal(t, sv.GetStoreKey("Widget", "acct1", idOf(0)), q.At(0))

	q.SourceDidFetchUpdate(source.DeltaUpdate{OldQueryState: "v1", NewQueryState: "v2", Total: 2})

	assert.Equal(t, "v2", q.QueryState())
	assert.Equal(t, sv.GetStoreKey("Widget", "acct1", "x0"), q.At(0))
	assert.Equal(t, sv.GetStoreKey("Widget", "acct1", "x1"), q.At(1))
}

func TestWillFetchRequestsRequestedWindowsAndClearsLoadingOnDone(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{WindowSize: 2})

	// Seed positions 2-3 so the query knows its length (4) without window 0 being ready.
	q.SourceDidFetchIds(source.IDPacket{QueryState: "v1", Position: 2, IDs: []string{idOf(2), idOf(3)}, Total: 4})

	resolved := false
	q.GetStoreKeysForObjectsInRange(0, 2, func(sks []storekey.Key) { resolved = true })

	req, ok := q.WillFetch()
	require.True(t, ok)
	require.Len(t, req.IDRanges, 1)
	assert.Equal(t, 0, req.IDRanges[0].Start)
	assert.Equal(t, 2, req.IDRanges[0].Count)

	// While in flight, a second WillFetch call sees nothing new to request for the same window.
	_, ok = q.WillFetch()
	assert.False(t, ok)

	req.Done()
	q.SourceDidFetchIds(source.IDPacket{QueryState: "v1", Position: 0, IDs: []string{idOf(0), idOf(1)}, Total: 4})
	assert.True(t, resolved)
}

func TestGetStoreKeysForObjectsInRangeSchedulesFetchWhenNotReady(t *testing.T) {
	sv := newFakeStoreView()
	fetchCount := 0
	src := &fakeSource{fetchQuery: func(ctx context.Context, q source.Query) { fetchCount++ }}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{WindowSize: 5})

	// Establish the query's length (5) without populating the window covering [0,3).
	q.SourceDidFetchIds(source.IDPacket{QueryState: "v1", Position: 4, IDs: []string{idOf(4)}, Total: 5})

	var delivered []storekey.Key
	q.GetStoreKeysForObjectsInRange(0, 3, func(sks []storekey.Key) { delivered = sks })
	assert.Nil(t, delivered)

	loop.Tick()
	assert.Equal(t, 1, fetchCount)

	q.SourceDidFetchIds(source.IDPacket{QueryState: "v1", Position: 0, IDs: []string{idOf(0), idOf(1), idOf(2), idOf(3)}, Total: 5})
	require.NotNil(t, delivered)
	assert.Len(t, delivered, 3)
}

func TestIndexOfStoreKeyResolvesFromKnownList(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{})

	seedIds(q, "v1", 4)
	target := sv.GetStoreKey("Widget", "acct1", idOf(2))

	var gotIdx int
	var gotFound bool
	q.IndexOfStoreKey(target, 0, func(idx int, found bool) { gotIdx, gotFound = idx, found })

	assert.True(t, gotFound)
	assert.Equal(t, 2, gotIdx)
}

func TestIndexOfStoreKeyQueuesLookupForUnknownKeyAndResolvesViaSource(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{})

	// Only 2 of an eventual 5 ids are known, so this lookup cannot be resolved locally yet.
	q.SourceDidFetchIds(source.IDPacket{QueryState: "v1", Position: 0, IDs: []string{idOf(0), idOf(1)}, Total: 5})

	unknown := sv.GetStoreKey("Widget", "acct1", idOf(4))
	var gotIdx int
	var gotFound bool
	resolved := false
	q.IndexOfStoreKey(unknown, 0, func(idx int, found bool) {
		gotIdx, gotFound = idx, found
		resolved = true
	})
	assert.False(t, resolved)

	q.SourceDidResolveIndex(idOf(4), 4, true)
	require.True(t, resolved)
	assert.True(t, gotFound)
	assert.Equal(t, 4, gotIdx)
}

func TestDestroyDeregistersQuery(t *testing.T) {
	sv := newFakeStoreView()
	src := &fakeSource{}
	loop := runloop.New()
	q := newQuery(t, sv, src, loop, windowedquery.Config{})
	require.True(t, sv.queries[q.ID()])
	q.Destroy()
	assert.True(t, q.IsDestroyed())
	assert.False(t, sv.queries[q.ID()])
}
