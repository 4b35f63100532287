package localquery_test

import (
	"testing"
	"time"

	"github.com/appcore/datastore/internal/broadcast"
	"github.com/appcore/datastore/localquery"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-test stand-in for *store.Store satisfying localquery.StoreView.
type fakeStore struct {
	byType  map[string][]storekey.Key
	account map[storekey.Key]string
	data    map[storekey.Key]map[string]interface{}
	status  map[storekey.Key]status.Status

	events map[string]*broadcast.Broadcaster[struct{}]

	queries map[string]interface{ ID() string }
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byType:  map[string][]storekey.Key{},
		account: map[storekey.Key]string{},
		data:    map[storekey.Key]map[string]interface{}{},
		status:  map[storekey.Key]status.Status{},
		events:  map[string]*broadcast.Broadcaster[struct{}]{},
		queries: map[string]interface{ ID() string }{},
	}
}

func (f *fakeStore) StoreKeysForType(typeName string) []storekey.Key { return f.byType[typeName] }

func (f *fakeStore) StoreKeysForTypeAccount(typeName, accountID string) []storekey.Key {
	var out []storekey.Key
	for _, sk := range f.byType[typeName] {
		if f.account[sk] == accountID {
			out = append(out, sk)
		}
	}
	return out
}

func (f *fakeStore) GetStatus(sk storekey.Key) status.Status     { return f.status[sk] }
func (f *fakeStore) Data(sk storekey.Key) map[string]interface{} { return f.data[sk] }

func (f *fakeStore) SubscribeType(typeName string) (<-chan struct{}, func()) {
	b, ok := f.events[typeName]
	if !ok {
		b = broadcast.New[struct{}]()
		f.events[typeName] = b
	}
	ch := b.AddListener()
	return ch, func() { b.RemoveListener(ch) }
}

func (f *fakeStore) AddQuery(q interface{ ID() string }) { f.queries[q.ID()] = q }
func (f *fakeStore) RemoveQuery(id string)               { delete(f.queries, id) }

func (f *fakeStore) add(typeName string, sk storekey.Key, st status.Status, data map[string]interface{}) {
	f.byType[typeName] = append(f.byType[typeName], sk)
	f.status[sk] = st
	f.data[sk] = data
}

func (f *fakeStore) fireChange(typeName string) {
	if b, ok := f.events[typeName]; ok {
		b.Broadcast(struct{}{})
	}
}

func TestFetchFiltersToReadyAndWhere(t *testing.T) {
	fs := newFakeStore()
	skA, skB, skC := storekey.Key("a"), storekey.Key("b"), storekey.Key("c")
	fs.add("Widget", skA, status.Ready, map[string]interface{}{"name": "alpha", "active": true})
	fs.add("Widget", skB, status.Ready, map[string]interface{}{"name": "beta", "active": false})
	fs.add("Widget", skC, status.Empty|status.Loading, map[string]interface{}{"name": "gamma", "active": true})

	where := func(d map[string]interface{}) bool { return d["active"] == true }
	q := localquery.New(fs, []string{"Widget"}, "", where, nil)
	q.Fetch(true)

	require.Equal(t, 1, q.Len())
	assert.Equal(t, skA, q.At(0))
}

func TestFetchSortsWithLess(t *testing.T) {
	fs := newFakeStore()
	skA, skB := storekey.Key("a"), storekey.Key("b")
	fs.add("Widget", skA, status.Ready, map[string]interface{}{"name": "zeta"})
	fs.add("Widget", skB, status.Ready, map[string]interface{}{"name": "alpha"})

	less := func(a, b map[string]interface{}) bool { return a["name"].(string) < b["name"].(string) }
	q := localquery.New(fs, []string{"Widget"}, "", nil, less)
	q.Fetch(true)

	require.Equal(t, 2, q.Len())
	assert.Equal(t, skB, q.At(0))
	assert.Equal(t, skA, q.At(1))
}

func TestTypeChangeSetsObsoleteAndFetchRecomputes(t *testing.T) {
	fs := newFakeStore()
	sk := storekey.Key("a")
	fs.add("Widget", sk, status.Ready, map[string]interface{}{"name": "a"})

	q := localquery.New(fs, []string{"Widget"}, "", nil, nil)
	q.Fetch(true)
	require.Equal(t, 1, q.Len())

	sk2 := storekey.Key("b")
	fs.add("Widget", sk2, status.Ready, map[string]interface{}{"name": "b"})
	fs.fireChange("Widget")

	require.Eventually(t, func() bool { return q.Status().Is(status.Obsolete) }, time.Second, time.Millisecond)

	q.Fetch(false)
	assert.Equal(t, 2, q.Len())
}

func TestFetchWithoutForceIsNoOpWhenNotObsolete(t *testing.T) {
	fs := newFakeStore()
	sk := storekey.Key("a")
	fs.add("Widget", sk, status.Ready, map[string]interface{}{"name": "a"})

	q := localquery.New(fs, []string{"Widget"}, "", nil, nil)
	q.Fetch(true)
	require.Equal(t, 1, q.Len())

	fs.add("Widget", storekey.Key("b"), status.Ready, map[string]interface{}{"name": "b"})
	q.Fetch(false)
	assert.Equal(t, 1, q.Len())
}

func TestDestroyUnsubscribesAndDeregisters(t *testing.T) {
	fs := newFakeStore()
	q := localquery.New(fs, []string{"Widget"}, "", nil, nil)
	_, ok := fs.queries[q.ID()]
	require.True(t, ok)

	ch := q.Events().AddListener()
	q.Destroy()
	_, open := <-ch
	assert.False(t, open)
	_, ok = fs.queries[q.ID()]
	assert.False(t, ok)
}

func TestAllReturnsIndependentCopy(t *testing.T) {
	fs := newFakeStore()
	sk := storekey.Key("a")
	fs.add("Widget", sk, status.Ready, map[string]interface{}{"name": "a"})
	q := localquery.New(fs, []string{"Widget"}, "", nil, nil)
	q.Fetch(true)

	all := q.All()
	all[0] = storekey.Key("mutated")
	assert.Equal(t, sk, q.At(0))
}
