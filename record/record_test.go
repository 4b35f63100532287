package record_test

import (
	"errors"
	"testing"

	"github.com/appcore/datastore/record"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAccessor is a minimal in-memory stand-in for store.Store, just enough to exercise Record's
// proxying logic without pulling in the store package.
type fakeAccessor struct {
	data     map[storekey.Key]map[string]interface{}
	statuses map[storekey.Key]status.Status
	gen      storekey.Generator
	destroyed map[storekey.Key]bool
	discarded map[storekey.Key]bool
	fetched   map[storekey.Key]bool
	cloneTo   storekey.Key
	cloneErr  error
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{
		data:      map[storekey.Key]map[string]interface{}{},
		statuses:  map[storekey.Key]status.Status{},
		destroyed: map[storekey.Key]bool{},
		discarded: map[storekey.Key]bool{},
		fetched:   map[storekey.Key]bool{},
	}
}

func (f *fakeAccessor) Status(sk storekey.Key) status.Status { return f.statuses[sk] }
func (f *fakeAccessor) Data(sk storekey.Key) map[string]interface{} { return f.data[sk] }

func (f *fakeAccessor) UpdateData(sk storekey.Key, patch map[string]interface{}, dirty bool) error {
	for k, v := range patch {
		f.data[sk][k] = v
	}
	if dirty {
		f.statuses[sk] = f.statuses[sk].Set(status.Dirty)
	}
	return nil
}

func (f *fakeAccessor) SaveNew(typ *record.Type, accountID string, data map[string]interface{}) (storekey.Key, error) {
	sk := f.gen.New()
	cp := make(map[string]interface{}, len(data))
	for k, v := range data {
		cp[k] = v
	}
	f.data[sk] = cp
	f.statuses[sk] = status.Ready | status.New | status.Dirty
	return sk, nil
}

func (f *fakeAccessor) DiscardChanges(sk storekey.Key) error {
	f.discarded[sk] = true
	return nil
}

func (f *fakeAccessor) Fetch(sk storekey.Key) error {
	f.fetched[sk] = true
	return nil
}

func (f *fakeAccessor) Destroy(sk storekey.Key) error {
	f.destroyed[sk] = true
	f.statuses[sk] = f.statuses[sk].WithCore(status.Destroyed)
	return nil
}

func (f *fakeAccessor) Clone(sk storekey.Key, target record.Accessor) (storekey.Key, error) {
	if f.cloneErr != nil {
		return storekey.Zero, f.cloneErr
	}
	return f.cloneTo, nil
}

func (f *fakeAccessor) Await(sk storekey.Key, handledErrorTypes []string) *record.Future {
	fut := record.NewFuture()
	fut.Resolve(nil)
	return fut
}

func testType() *record.Type {
	return record.NewType("Widget", "id", []record.Attribute{
		{Key: "id"},
		{Key: "name", Default: ""},
		{Key: "count", Default: 0},
	})
}

func TestNewRecordIsUnsavedAndReportsReadyNewDirty(t *testing.T) {
	r := record.New(testType(), "acct-1", map[string]interface{}{"name": "widget"})
	assert.False(t, r.IsSaved())
	assert.True(t, r.Is(status.Ready|status.New|status.Dirty))
	assert.Equal(t, "widget", r.Get("name"))
}

func TestSaveToStoreFillsDefaultsAndTransitions(t *testing.T) {
	acc := newFakeAccessor()
	r := record.New(testType(), "acct-1", map[string]interface{}{"name": "widget"})

	err := r.SaveToStore(acc)
	require.NoError(t, err)

	assert.True(t, r.IsSaved())
	assert.Equal(t, "widget", r.Get("name"))
	assert.Equal(t, 0, r.Get("count"))
	assert.True(t, r.Is(status.Ready|status.New|status.Dirty))
}

func TestSaveToStoreTwiceFails(t *testing.T) {
	acc := newFakeAccessor()
	r := record.New(testType(), "acct-1", nil)
	require.NoError(t, r.SaveToStore(acc))

	err := r.SaveToStore(acc)
	assert.Error(t, err)
}

func TestSetAllProxiesToAccessorOnceSaved(t *testing.T) {
	acc := newFakeAccessor()
	r := record.New(testType(), "acct-1", nil)
	require.NoError(t, r.SaveToStore(acc))

	require.NoError(t, r.Set("name", "renamed"))
	assert.Equal(t, "renamed", r.Get("name"))
	assert.True(t, r.Is(status.Dirty))
}

func TestFetchIsNoOpForNewRecord(t *testing.T) {
	acc := newFakeAccessor()
	r := record.New(testType(), "acct-1", nil)
	require.NoError(t, r.SaveToStore(acc))

	require.NoError(t, r.Fetch())
	assert.False(t, acc.fetched[r.StoreKey()])
}

func TestFetchDelegatesWhenNotNew(t *testing.T) {
	acc := newFakeAccessor()
	r := record.New(testType(), "acct-1", nil)
	require.NoError(t, r.SaveToStore(acc))
	acc.statuses[r.StoreKey()] = status.Ready

	require.NoError(t, r.Fetch())
	assert.True(t, acc.fetched[r.StoreKey()])
}

func TestDestroyDelegatesToAccessor(t *testing.T) {
	acc := newFakeAccessor()
	r := record.New(testType(), "acct-1", nil)
	require.NoError(t, r.SaveToStore(acc))

	require.NoError(t, r.Destroy())
	assert.True(t, acc.destroyed[r.StoreKey()])
	assert.True(t, r.Is(status.Destroyed))
}

func TestDestroyIsNoOpWhenAlreadyDestroyed(t *testing.T) {
	acc := newFakeAccessor()
	r := record.New(testType(), "acct-1", nil)
	require.NoError(t, r.SaveToStore(acc))
	require.NoError(t, r.Destroy())

	acc.destroyed[r.StoreKey()] = false
	require.NoError(t, r.Destroy())
	assert.False(t, acc.destroyed[r.StoreKey()])
}

func TestDiscardChangesOnUnsavedRecordFails(t *testing.T) {
	r := record.New(testType(), "acct-1", nil)
	assert.Error(t, r.DiscardChanges())
}

func TestDiscardChangesDelegatesOnceSaved(t *testing.T) {
	acc := newFakeAccessor()
	r := record.New(testType(), "acct-1", nil)
	require.NoError(t, r.SaveToStore(acc))

	require.NoError(t, r.DiscardChanges())
	assert.True(t, acc.discarded[r.StoreKey()])
}

func TestCloneDelegatesAndBindsNewRecord(t *testing.T) {
	acc := newFakeAccessor()
	target := newFakeAccessor()
	r := record.New(testType(), "acct-1", map[string]interface{}{"name": "widget"})
	require.NoError(t, r.SaveToStore(acc))

	acc.cloneTo = target.gen.New()
	target.data[acc.cloneTo] = map[string]interface{}{"name": "widget"}
	target.statuses[acc.cloneTo] = status.Ready | status.New | status.Dirty

	cloned, err := r.Clone(target)
	require.NoError(t, err)
	assert.Equal(t, acc.cloneTo, cloned.StoreKey())
	assert.Equal(t, "widget", cloned.Get("name"))
}

func TestCloneOnUnsavedRecordFails(t *testing.T) {
	r := record.New(testType(), "acct-1", nil)
	_, err := r.Clone(newFakeAccessor())
	assert.Error(t, err)
}

func TestErrorForAttributeRunsValidator(t *testing.T) {
	typ := record.NewType("Widget", "id", []record.Attribute{
		{Key: "name", Validate: func(value interface{}, key string, rec *record.Record) error {
			s, _ := value.(string)
			if s == "" {
				return errors.New("name must not be empty")
			}
			return nil
		}},
	})
	r := record.New(typ, "acct-1", map[string]interface{}{"name": ""})
	assert.Error(t, r.ErrorForAttribute("name"))
	assert.False(t, r.IsValid())

	require.NoError(t, r.Set("name", "widget"))
	assert.NoError(t, r.ErrorForAttribute("name"))
	assert.True(t, r.IsValid())
}

func TestIfLoadedResolvesImmediatelyWhenReady(t *testing.T) {
	acc := newFakeAccessor()
	r := record.New(testType(), "acct-1", nil)
	require.NoError(t, r.SaveToStore(acc))
	acc.statuses[r.StoreKey()] = status.Ready

	fut := r.IfLoaded()
	assert.True(t, fut.IsResolved())
}
