// Package localquery implements a live, client-side filter+sort view over records already loaded
// in a Store.
//
// A LocalQuery never talks to a Source: it recomputes by scanning the records a type already has
// in memory. It subscribes to the store's per-type change broadcaster the same way the reference
// SDK's dependencyTracker recomputes affected flags on a data-source update — generalised here
// from "recompute affected flag evaluations" to "recompute this query's filtered, sorted result
// array" — and flips OBSOLETE on any change to any dependency type, leaving the actual recompute
// to the next explicit Fetch call.
package localquery

import (
	"sort"

	"github.com/appcore/datastore/query"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
)

// StoreView is the subset of *store.Store a LocalQuery depends on. Declared here rather than
// imported from store's exact type so this package stays a plain consumer of a narrow contract.
type StoreView interface {
	StoreKeysForType(typeName string) []storekey.Key
	// StoreKeysForTypeAccount is StoreKeysForType scoped to a single account.
	StoreKeysForTypeAccount(typeName, accountID string) []storekey.Key
	GetStatus(sk storekey.Key) status.Status
	Data(sk storekey.Key) map[string]interface{}
	// SubscribeType returns a channel that receives a value on every change to typeName, and an
	// unsubscribe func. Store.TypeEvents/RemoveListener already has this shape; callers adapt it.
	SubscribeType(typeName string) (ch <-chan struct{}, unsubscribe func())
	AddQuery(q interface{ ID() string })
	RemoveQuery(id string)
}

// Where filters a candidate record's data, returning true to include it.
type Where func(data map[string]interface{}) bool

// Less reports whether a should sort before b. Nil means no ordering is imposed (store order).
type Less func(a, b map[string]interface{}) bool

// Query is a live array of storeKeys for a single record Type, optionally filtered and sorted.
type Query struct {
	*query.Base

	store       StoreView
	typeNames   []string
	accountID   string
	where       Where
	less        Less
	unsubscribe []func()

	result []storekey.Key
}

// New creates a LocalQuery over typeName (or, for a multi-type dependsOn query, every name in
// dependsOn), filtered by where (nil admits everything) and ordered by less (nil leaves store
// order). accountID scopes the query to a single account; pass "" to range over every account of
// typeNames. The query registers itself on store immediately; call Fetch(true) to populate it.
func New(store StoreView, typeNames []string, accountID string, where Where, less Less) *Query {
	q := &Query{
		Base:      query.NewBase(""),
		store:     store,
		typeNames: append([]string(nil), typeNames...),
		accountID: accountID,
		where:     where,
		less:      less,
	}
	for _, t := range q.typeNames {
		ch, unsub := store.SubscribeType(t)
		q.unsubscribe = append(q.unsubscribe, unsub)
		go q.watch(ch)
	}
	store.AddQuery(q)
	q.SetBits(status.Obsolete)
	return q
}

// watch marks the query OBSOLETE every time its dependency type reports a change. It runs for
// the lifetime of the subscription channel, which Destroy closes via unsubscribe.
func (q *Query) watch(ch <-chan struct{}) {
	for range ch {
		q.SetBits(status.Obsolete)
	}
}

// Fetch recomputes the result array. If force is false and the query is not OBSOLETE, this is a
// no-op.
func (q *Query) Fetch(force bool) {
	if !force && !q.Is(status.Obsolete) {
		return
	}
	var result []storekey.Key
	for _, t := range q.typeNames {
		var candidates []storekey.Key
		if q.accountID == "" {
			candidates = q.store.StoreKeysForType(t)
		} else {
			candidates = q.store.StoreKeysForTypeAccount(t, q.accountID)
		}
		for _, sk := range candidates {
			if !q.store.GetStatus(sk).Is(status.Ready) {
				continue
			}
			data := q.store.Data(sk)
			if q.where != nil && !q.where(data) {
				continue
			}
			result = append(result, sk)
		}
	}
	if q.less != nil {
		dataOf := make(map[storekey.Key]map[string]interface{}, len(result))
		for _, sk := range result {
			dataOf[sk] = q.store.Data(sk)
		}
		sort.SliceStable(result, func(i, j int) bool {
			return q.less(dataOf[result[i]], dataOf[result[j]])
		})
	}
	q.result = result
	q.ClearBits(status.Obsolete)
	q.NotifyUpdated()
}

// Len returns the current result array's length.
func (q *Query) Len() int { return len(q.result) }

// At returns the storeKey at index i of the current result array.
func (q *Query) At(i int) storekey.Key { return q.result[i] }

// All returns a copy of the current result array.
func (q *Query) All() []storekey.Key {
	out := make([]storekey.Key, len(q.result))
	copy(out, q.result)
	return out
}

// Destroy deregisters the query from its store and releases its type subscriptions so it (and the
// records it referenced) may be garbage-collected.
func (q *Query) Destroy() {
	for _, unsub := range q.unsubscribe {
		unsub()
	}
	q.store.RemoveQuery(q.ID())
	q.MarkDestroyed()
}
