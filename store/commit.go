package store

import (
	"context"
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/appcore/datastore/record"
	"github.com/appcore/datastore/runloop"
	"github.com/appcore/datastore/source"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
)

// ---- record.Accessor implementation ----

// Status implements record.Accessor.
func (s *Store) Status(sk storekey.Key) status.Status { return s.GetStatus(sk) }

// Data implements record.Accessor, returning a defensive copy of sk's current attribute map.
func (s *Store) Data(sk storekey.Key) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sk]
	if !ok {
		return nil
	}
	return cloneMap(e.data)
}

// SaveNew implements record.Accessor: mints a storeKey, installs data, and marks the record
// READY|NEW|DIRTY.
func (s *Store) SaveNew(typ *record.Type, accountID string, data map[string]interface{}) (storekey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[typ.Name]; !ok {
		s.types[typ.Name] = typ
	}
	sk := s.gen.New()
	s.entries[sk] = &entry{
		typeName:  typ.Name,
		accountID: accountID,
		status:    status.Ready | status.New | status.Dirty,
		data:      cloneMap(data),
	}
	return sk, nil
}

// DiscardChanges implements record.Accessor.
func (s *Store) DiscardChanges(sk storekey.Key) error {
	s.mu.Lock()
	e, ok := s.entries[sk]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: unknown storeKey %s", sk)
	}
	if e.status.Is(status.New) {
		s.unloadLocked(sk)
		e.status = e.status.WithCore(status.Destroyed)
		s.mu.Unlock()
		return nil
	}
	if e.committed != nil {
		e.data = cloneMap(e.committed)
	}
	e.changed = nil
	e.status = e.status.Clear(status.Dirty)
	typeName, accountID := e.typeName, e.accountID
	s.mu.Unlock()
	s.fireTypeEventLocked(typeName, accountID, TypeChanged)
	return nil
}

// Fetch implements record.Accessor, requesting a (re)fetch for an already-known record.
func (s *Store) Fetch(sk storekey.Key) error {
	s.mu.Lock()
	e, ok := s.entries[sk]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: unknown storeKey %s", sk)
	}
	typeName, accountID := e.typeName, e.accountID
	id := s.skToID[typeName][sk]
	e.status = e.status.Set(status.Loading)
	s.mu.Unlock()

	s.src.RefreshRecord(context.Background(), accountID, typeName, id, func(res source.FetchResult, err error) {
		s.loop.Defer(runloop.Before, func() {
			s.handleFetchRecordResult(accountID, typeName, id, res, err)
		})
	})
	return nil
}

// Destroy implements record.Accessor by delegating to DestroyRecord.
func (s *Store) Destroy(sk storekey.Key) error { return s.DestroyRecord(sk) }

// Clone implements record.Accessor: deep-copies sk's syncable (non-NoSync) attributes into a new
// record bound to target, translating reference attributes through target's identity space where
// target is itself a *Store.
func (s *Store) Clone(sk storekey.Key, target record.Accessor) (storekey.Key, error) {
	s.mu.Lock()
	e, ok := s.entries[sk]
	if !ok {
		s.mu.Unlock()
		return storekey.Zero, fmt.Errorf("store: unknown storeKey %s", sk)
	}
	typ := s.types[e.typeName]
	accountID := e.accountID
	data := map[string]interface{}{}
	for k, v := range e.data {
		data[k] = v
	}
	s.mu.Unlock()

	if typ != nil {
		for _, attr := range typ.Attributes() {
			if attr.NoSync {
				delete(data, attr.PropertyKey())
				continue
			}
			if !attr.Kind.IsReference() {
				continue
			}
			// getDoppelganger: a reference attribute holds storeKeys from this store's identity
			// space; resolve the id each points to here, then re-mint (or reuse) the equivalent
			// storeKey in target's space. If target is not a *Store we have no identity space to
			// resolve into, so the raw (foreign) storeKeys are left as-is on a best-effort basis.
			targetStore, ok := target.(*Store)
			if !ok {
				continue
			}
			data[attr.PropertyKey()] = s.translateReferenceToTarget(attr, data[attr.PropertyKey()], targetStore)
		}
	}
	return target.SaveNew(typ, accountID, data)
}

func (s *Store) translateReferenceToTarget(attr record.Attribute, v interface{}, target *Store) interface{} {
	switch attr.Kind {
	case record.ToOne:
		sk, ok := v.(storekey.Key)
		if !ok {
			return v
		}
		id := s.GetIdFromStoreKey(sk)
		if id == "" {
			return v
		}
		return target.GetStoreKey(attr.RefType, s.GetAccountIdFromStoreKey(sk), id)
	case record.ToManyOrdered, record.ToManyKeyed:
		sks, ok := v.([]storekey.Key)
		if !ok {
			return v
		}
		out := make([]storekey.Key, 0, len(sks))
		for _, sk := range sks {
			id := s.GetIdFromStoreKey(sk)
			if id == "" {
				out = append(out, sk)
				continue
			}
			out = append(out, target.GetStoreKey(attr.RefType, s.GetAccountIdFromStoreKey(sk), id))
		}
		return out
	default:
		return v
	}
}

// Await implements record.Accessor: returns a Future resolved the next time sk leaves LOADING/
// COMMITTING.
func (s *Store) Await(sk storekey.Key, handledErrorTypes []string) *record.Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sk]
	if !ok || !e.status.Is(status.Loading|status.Committing) {
		f := record.NewFuture()
		f.Resolve(nil)
		return f
	}
	f := record.NewFuture()
	s.pendingFutures[sk] = append(s.pendingFutures[sk], f)
	return f
}

func (s *Store) resolveFuturesLocked(sk storekey.Key, err error) {
	futures := s.pendingFutures[sk]
	delete(s.pendingFutures, sk)
	for _, f := range futures {
		f.Resolve(err)
	}
}

// ---- Commit pipeline ----

// buildingEntry accumulates one (type, account) change entry's worth of pending mutations while
// walking every storeKey.
type buildingEntry struct {
	typeName  string
	accountID string
	storeKeys []storekey.Key
	payload   source.ChangeEntry
}

// CommitChanges partitions every DIRTY/DESTROYED storeKey into per-(type, account) change
// entries and hands each to the Source, serialised by isCommitting.
func (s *Store) CommitChanges(ctx context.Context) error {
	s.mu.Lock()
	if s.isCommitting {
		s.needsCommit = true
		s.mu.Unlock()
		return nil
	}
	entries := s.partitionPendingLocked()
	if len(entries) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.isCommitting = true
	for _, be := range entries {
		for _, sk := range be.storeKeys {
			e := s.entries[sk]
			e.status = e.status.Set(status.Committing).Clear(status.Dirty)
		}
		st := s.typeAccount(be.typeName, be.accountID)
		st.status = st.status.Set(status.Committing)
	}
	s.mu.Unlock()

	for _, be := range entries {
		s.fireTypeEventLocked(be.typeName, be.accountID, WillCommit)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, be := range entries {
		be := be
		g.Go(func() error {
			done := make(chan source.CommitResult, 1)
			s.src.CommitChanges(gctx, be.payload, func(res source.CommitResult) { done <- res })
			select {
			case res := <-done:
				s.loop.Defer(runloop.Middle, func() { s.applyCommitResult(be, res) })
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
	}
	// The errgroup's error is logged but does not abort per-entry application: each entry's source
	// call either completed (and was applied) or the context ended before it could. Either way, "at
	// most one commit in flight" rests on isCommitting, not on errgroup cancellation.
	if err := g.Wait(); err != nil {
		s.log.Warnf("commitChanges: one or more change entries did not complete: %v", err)
	}
	return nil
}

// partitionPendingLocked groups pending entries by operation (create/update/destroy/move).
// Caller must hold s.mu.
func (s *Store) partitionPendingLocked() []*buildingEntry {
	byKey := map[[2]string]*buildingEntry{}
	order := []*buildingEntry{}
	get := func(typeName, accountID string) *buildingEntry {
		k := [2]string{typeName, accountID}
		be, ok := byKey[k]
		if !ok {
			be = &buildingEntry{
				typeName:  typeName,
				accountID: accountID,
				payload: source.ChangeEntry{
					Create:          map[string]map[string]interface{}{},
					Update:          map[string]map[string]interface{}{},
					MoveFromAccount: map[string][]source.MoveEntry{},
				},
			}
			byKey[k] = be
			order = append(order, be)
		}
		return be
	}

	for sk, e := range s.entries {
		if !e.status.Is(status.Dirty) && !e.status.Is(status.Destroyed) {
			continue
		}
		typ := s.types[e.typeName]

		switch {
		case e.status.Is(status.Destroyed):
			if origSk, wasMoveTarget := s.created[sk]; wasMoveTarget {
				// This storeKey is the destination of a move; its origin is accounted for via the
				// MoveFromAccount entry keyed on the destination, not as an independent destroy.
				_ = origSk
				continue
			}
			if _, becameMoveSource := s.destroyed[sk]; becameMoveSource {
				// Accounted for by the move's Create/MoveFromAccount entry below; skip the
				// standalone destroy so it is not double-reported.
				continue
			}
			id, hasID := s.skToID[e.typeName][sk]
			if !hasID || id == "" {
				// Never committed to the source in the first place: create followed by destroy
				// with no intervening commit is a pure local no-op.
				continue
			}
			be := get(e.typeName, e.accountID)
			be.storeKeys = append(be.storeKeys, sk)
			be.payload.Destroy = append(be.payload.Destroy, id)

		case e.status.Is(status.New):
			be := get(e.typeName, e.accountID)
			be.storeKeys = append(be.storeKeys, sk)
			if origSk, wasMove := s.created[sk]; wasMove {
				origEntry, ok := s.entries[origSk]
				copyFromID := ""
				changes := e.data
				if ok {
					copyFromID = s.skToID[origEntry.typeName][origSk]
					changes = map[string]interface{}{}
					for k, v := range e.data {
						if ov, had := origEntry.data[k]; !had || !reflect.DeepEqual(ov, v) {
							changes[k] = v
						}
					}
				}
				be.payload.MoveFromAccount[origEntry.accountID] = append(
					be.payload.MoveFromAccount[origEntry.accountID],
					source.MoveEntry{
						StoreKey:   string(sk),
						CopyFromID: copyFromID,
						Changes:    s.egressData(typ, changes),
					},
				)
			} else {
				be.payload.Create[string(sk)] = s.clientSettable(typ, e.data)
			}

		default: // Dirty, not New, not Destroyed: an update.
			changes := s.changedSyncable(typ, e)
			if len(changes) == 0 {
				e.changed = nil
				e.status = e.status.Clear(status.Committing)
				continue
			}
			be := get(e.typeName, e.accountID)
			be.storeKeys = append(be.storeKeys, sk)
			be.payload.Update[string(sk)] = changes
			e.rollback = cloneMap(e.committed)
			e.committed = cloneMap(e.data)
		}
	}
	return order
}

// clientSettable returns a's data filtered to attributes a client is allowed to send on create
// (i.e. not NoSync), translated to wire form.
func (s *Store) clientSettable(typ *record.Type, data map[string]interface{}) map[string]interface{} {
	out := s.egressData(typ, data)
	if typ != nil {
		for _, attr := range typ.Attributes() {
			if attr.NoSync {
				delete(out, attr.PropertyKey())
			}
		}
	}
	return out
}

// changedSyncable returns the subset of e.changed filtered by NoSync, egress-translated.
func (s *Store) changedSyncable(typ *record.Type, e *entry) map[string]interface{} {
	patch := map[string]interface{}{}
	for k := range e.changed {
		if typ != nil {
			if attr, ok := typ.AttributeByProperty(k); ok && attr.NoSync {
				continue
			}
		}
		patch[k] = e.data[k]
	}
	return s.egressData(typ, patch)
}

// egressData translates reference attributes from storeKeys to ids for the source boundary.
func (s *Store) egressData(typ *record.Type, data map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range data {
		out[k] = v
	}
	if typ == nil {
		return out
	}
	for _, attr := range typ.ReferenceAttributes() {
		v, ok := out[attr.PropertyKey()]
		if !ok {
			continue
		}
		out[attr.PropertyKey()] = s.toIDs(attr, v)
	}
	return out
}

func (s *Store) toIDs(attr record.Attribute, v interface{}) interface{} {
	switch attr.Kind {
	case record.ToOne:
		if sk, ok := v.(storekey.Key); ok {
			return s.GetIdFromStoreKey(sk)
		}
		return v
	case record.ToManyOrdered, record.ToManyKeyed:
		sks, ok := v.([]storekey.Key)
		if !ok {
			return v
		}
		ids := make([]string, 0, len(sks))
		for _, sk := range sks {
			ids = append(ids, s.GetIdFromStoreKey(sk))
		}
		return ids
	default:
		return v
	}
}

// toStoreKeys translates a reference attribute's wire-form ids to storeKeys on ingress. A
// referenced record is assumed to live in the same account as the record being ingressed, since
// a storeKey's (type, account) identity is fixed at creation and never changes.
func (s *Store) toStoreKeys(accountID string, attr record.Attribute, v interface{}) interface{} {
	switch attr.Kind {
	case record.ToOne:
		id, ok := v.(string)
		if !ok || id == "" {
			return v
		}
		return s.GetStoreKey(attr.RefType, accountID, id)
	case record.ToManyOrdered, record.ToManyKeyed:
		ids, ok := v.([]string)
		if !ok {
			return v
		}
		sks := make([]storekey.Key, 0, len(ids))
		for _, id := range ids {
			sks = append(sks, s.GetStoreKey(attr.RefType, accountID, id))
		}
		return sks
	default:
		return v
	}
}

// ingressData translates reference attributes from ids to storeKeys on the way in from the
// source.
func (s *Store) ingressData(typ *record.Type, accountID string, data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	if typ == nil {
		return out
	}
	for _, attr := range typ.ReferenceAttributes() {
		v, ok := out[attr.PropertyKey()]
		if !ok {
			continue
		}
		out[attr.PropertyKey()] = s.toStoreKeys(accountID, attr, v)
	}
	return out
}
