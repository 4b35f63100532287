package store_test

import (
	"context"
	"testing"

	"github.com/appcore/datastore/corelog"
	"github.com/appcore/datastore/record"
	"github.com/appcore/datastore/runloop"
	"github.com/appcore/datastore/source"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a synchronous, in-test stand-in for source.Source: every call invokes its done
// callback immediately (or not at all, for FetchRecord, so tests can drive NOT_FOUND manually).
type fakeSource struct {
	commitChanges func(ctx context.Context, changes source.ChangeEntry, done func(source.CommitResult))
}

func (f *fakeSource) FetchRecord(ctx context.Context, accountID, typeName, id string, done func(source.FetchResult, error)) {
}

func (f *fakeSource) RefreshRecord(ctx context.Context, accountID, typeName, id string, done func(source.FetchResult, error)) {
}

func (f *fakeSource) FetchAllRecords(ctx context.Context, accountID, typeName, sinceState string, done func(source.FetchResult, error)) {
}

func (f *fakeSource) FetchQuery(ctx context.Context, q source.Query) {}

func (f *fakeSource) CommitChanges(ctx context.Context, changes source.ChangeEntry, done func(source.CommitResult)) {
	f.commitChanges(ctx, changes, done)
}

func widgetType() *record.Type {
	return record.NewType("Widget", "id", []record.Attribute{
		{Key: "id"},
		{Key: "accountId"},
		{Key: "name"},
		{Key: "a"},
		{Key: "b"},
	})
}

func TestCreateCommitRoundTrip(t *testing.T) {
	loop := runloop.New()
	var capturedEntry source.ChangeEntry
	src := &fakeSource{
		commitChanges: func(ctx context.Context, changes source.ChangeEntry, done func(source.CommitResult)) {
			capturedEntry = changes
			require.Len(t, changes.Create, 1)
			var sk string
			for k := range changes.Create {
				sk = k
			}
			done(source.CommitResult{
				CreatedServerData: map[string]map[string]interface{}{
					sk: {"id": "x1"},
				},
			})
		},
	}
	st := store.New(loop, src, corelog.NewDefault(), store.Config{})
	st.RegisterType(widgetType())

	rec, err := st.CreateRecord("Widget", "p", map[string]interface{}{"name": "a"})
	require.NoError(t, err)
	assert.True(t, rec.Is(status.New|status.Ready|status.Dirty))

	require.NoError(t, st.CommitChanges(context.Background()))
	loop.Tick()

	assert.Equal(t, "x1", st.GetIdFromStoreKey(rec.StoreKey()))
	assert.True(t, rec.Is(status.Ready))
	assert.False(t, rec.Is(status.New|status.Dirty|status.Committing))
	assert.NotEmpty(t, capturedEntry.Create)
}

func TestDirtyPlusServerPatchWithRebaseEnabled(t *testing.T) {
	loop := runloop.New()
	src := &fakeSource{commitChanges: func(ctx context.Context, changes source.ChangeEntry, done func(source.CommitResult)) {
		var sk string
		for k := range changes.Create {
			sk = k
		}
		done(source.CommitResult{CreatedServerData: map[string]map[string]interface{}{sk: {"id": "w1"}}})
	}}
	st := store.New(loop, src, corelog.NewDefault(), store.Config{RebaseConflicts: true})
	typ := widgetType()
	st.RegisterType(typ)

	rec, err := st.CreateRecord("Widget", "p", map[string]interface{}{"a": 1, "b": 1})
	require.NoError(t, err)
	// Commit once so the record has a server id and a committed baseline to rebase against.
	require.NoError(t, st.CommitChanges(context.Background()))
	loop.Tick()

	require.NoError(t, rec.Set("a", 2))
	assert.True(t, rec.Is(status.Dirty))

	st.SourceDidFetchPartialRecords("p", "Widget", map[string]map[string]interface{}{
		st.GetIdFromStoreKey(rec.StoreKey()): {"a": 9, "b": 9},
	})

	assert.Equal(t, 2, rec.Get("a"))
	assert.Equal(t, 9, rec.Get("b"))
	assert.True(t, rec.Is(status.Dirty))
}

func TestDirtyPlusServerPatchWithRebaseDisabled(t *testing.T) {
	loop := runloop.New()
	src := &fakeSource{commitChanges: func(ctx context.Context, changes source.ChangeEntry, done func(source.CommitResult)) {
		var sk string
		for k := range changes.Create {
			sk = k
		}
		done(source.CommitResult{CreatedServerData: map[string]map[string]interface{}{sk: {"id": "w1"}}})
	}}
	st := store.New(loop, src, corelog.NewDefault(), store.Config{RebaseConflicts: false})
	st.RegisterType(widgetType())

	rec, err := st.CreateRecord("Widget", "p", map[string]interface{}{"a": 1, "b": 1})
	require.NoError(t, err)
	require.NoError(t, st.CommitChanges(context.Background()))
	loop.Tick()
	require.NoError(t, rec.Set("a", 2))

	st.SourceDidFetchPartialRecords("p", "Widget", map[string]map[string]interface{}{
		st.GetIdFromStoreKey(rec.StoreKey()): {"a": 9, "b": 9},
	})

	assert.Equal(t, 9, rec.Get("a"))
	assert.False(t, rec.Is(status.Dirty))
}

func TestNotFoundDuringFetchTransitionsToNonExistent(t *testing.T) {
	loop := runloop.New()
	src := &fakeSource{commitChanges: func(ctx context.Context, changes source.ChangeEntry, done func(source.CommitResult)) {}}
	st := store.New(loop, src, corelog.NewDefault(), store.Config{})
	st.RegisterType(widgetType())

	rec := st.GetRecord(context.Background(), "p", "Widget", "zz")
	assert.True(t, rec.Is(status.Empty|status.Loading))

	st.SourceCouldNotFindRecords("p", "Widget", []string{"zz"})

	assert.True(t, rec.Is(status.NonExistent))
}

func TestDestroyRecordBeforeCommitUnloadsImmediately(t *testing.T) {
	loop := runloop.New()
	committed := false
	src := &fakeSource{commitChanges: func(ctx context.Context, changes source.ChangeEntry, done func(source.CommitResult)) {
		committed = true
	}}
	st := store.New(loop, src, corelog.NewDefault(), store.Config{})
	st.RegisterType(widgetType())

	rec, err := st.CreateRecord("Widget", "p", map[string]interface{}{"name": "a"})
	require.NoError(t, err)

	require.NoError(t, rec.Destroy())
	assert.True(t, rec.Is(status.Destroyed))

	require.NoError(t, st.CommitChanges(context.Background()))
	loop.Tick()
	assert.False(t, committed)
}

func TestUpdateDataDiscardChangesRoundTrip(t *testing.T) {
	loop := runloop.New()
	src := &fakeSource{commitChanges: func(ctx context.Context, changes source.ChangeEntry, done func(source.CommitResult)) {
		var sk string
		for k := range changes.Create {
			sk = k
		}
		done(source.CommitResult{CreatedServerData: map[string]map[string]interface{}{sk: {"id": "w1"}}})
	}}
	st := store.New(loop, src, corelog.NewDefault(), store.Config{})
	st.RegisterType(widgetType())

	rec, err := st.CreateRecord("Widget", "p", map[string]interface{}{"name": "original"})
	require.NoError(t, err)
	require.NoError(t, st.CommitChanges(context.Background()))
	loop.Tick()

	require.NoError(t, rec.Set("name", "changed"))
	assert.Equal(t, "changed", rec.Get("name"))
	assert.True(t, rec.Is(status.Dirty))

	require.NoError(t, rec.DiscardChanges())
	assert.Equal(t, "original", rec.Get("name"))
	assert.False(t, rec.Is(status.Dirty))
}
