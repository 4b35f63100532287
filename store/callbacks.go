package store

import (
	"github.com/appcore/datastore/source"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
)

// applyCommitResult dispatches one change entry's CommitResult across the per-outcome callbacks
// (create/update/destroy success and failure), then clears the type-level COMMITTING bit and
// recurses if more work piled up meanwhile.
func (s *Store) applyCommitResult(be *buildingEntry, res source.CommitResult) {
	s.SourceDidCommitCreate(res.CreatedServerData)
	s.sourceDidNotCreate(res.CreateFailures)
	s.SourceDidCommitUpdate(toKeys(res.UpdatedStoreKeys))
	s.sourceDidNotUpdate(res.UpdateFailures)
	s.SourceDidCommitDestroy(toKeys(res.DestroyedStoreKeys))
	s.sourceDidNotDestroy(res.DestroyFailures)

	s.mu.Lock()
	st := s.typeAccount(be.typeName, be.accountID)
	st.status = st.status.Clear(status.Committing)
	s.isCommitting = false
	needsMore := s.needsCommit
	s.needsCommit = false
	s.mu.Unlock()

	s.fireTypeEventLocked(be.typeName, be.accountID, DidCommit)

	if res.NewState != "" {
		s.SourceCommitDidChangeState(be.accountID, be.typeName, res.NewState)
	} else {
		s.checkServerState(be.typeName, be.accountID)
	}
	s.resolveTypeFuturesIfReady(be.typeName, be.accountID)

	if needsMore {
		s.maybeScheduleCommit()
	}
}

// SourceCommitDidChangeState advances (typeName, accountID)'s clientState to newState following a
// commit whose result reported a new state token, then re-examines any serverState recorded while
// the commit was in flight.
func (s *Store) SourceCommitDidChangeState(accountID, typeName, newState string) {
	s.mu.Lock()
	st := s.typeAccount(typeName, accountID)
	st.clientState = newState
	if st.serverState == "" {
		st.serverState = newState
	}
	s.mu.Unlock()
	s.checkServerState(typeName, accountID)
}

func toKeys(raw []string) []storekey.Key {
	out := make([]storekey.Key, 0, len(raw))
	for _, r := range raw {
		out = append(out, storekey.Key(r))
	}
	return out
}

// SourceDidCommitCreate installs the server-assigned id and any server-populated fields for each
// newly created storeKey, clearing COMMITTING|NEW.
func (s *Store) SourceDidCommitCreate(serverData map[string]map[string]interface{}) {
	for rawSk, patch := range serverData {
		sk := storekey.Key(rawSk)
		s.mu.Lock()
		e, ok := s.entries[sk]
		if !ok {
			s.mu.Unlock()
			continue
		}
		id, _ := patch["id"].(string)
		if id != "" {
			if _, ok := s.skToID[e.typeName]; !ok {
				s.skToID[e.typeName] = map[storekey.Key]string{}
			}
			s.skToID[e.typeName][sk] = id
			byAccount, ok := s.idToSk[e.typeName]
			if !ok {
				byAccount = map[string]map[string]storekey.Key{}
				s.idToSk[e.typeName] = byAccount
			}
			byID, ok := byAccount[e.accountID]
			if !ok {
				byID = map[string]storekey.Key{}
				byAccount[e.accountID] = byID
			}
			byID[id] = sk
		}
		typ := s.types[e.typeName]
		ingressed := s.ingressData(typ, e.accountID, patch)
		if e.data == nil {
			e.data = map[string]interface{}{}
		}
		for k, v := range ingressed {
			e.data[k] = v
		}
		e.status = e.status.Clear(status.Committing | status.New)
		origSk, wasMove := s.created[sk]
		s.resolveFuturesLocked(sk, nil)
		s.mu.Unlock()

		if wasMove {
			s.mu.Lock()
			s.unloadLocked(origSk)
			delete(s.created, sk)
			delete(s.destroyed, origSk)
			s.mu.Unlock()
		}
	}
}

// sourceDidNotCreate handles a failed create: a transient failure re-flags NEW|DIRTY to retry on
// the next commit, a permanent one reports the error and destroys the record.
func (s *Store) sourceDidNotCreate(failures []source.CommitFailure) {
	for _, f := range failures {
		sk := storekey.Key(f.StoreKey)
		s.handleCommitFailure(sk, f.Permanent, f.Err, func(e *entry) {
			// Permanent and unhandled: a failed create is reverted by destroying it outright.
			s.unloadLockedWithCore(e, sk, status.Destroyed)
		}, func(e *entry) {
			e.status = (e.status.Clear(status.Committing)).Set(status.Ready | status.New | status.Dirty)
		})
	}
}

// SourceDidCommitUpdate clears rollback and COMMITTING for each cleanly-updated storeKey.
func (s *Store) SourceDidCommitUpdate(sks []storekey.Key) {
	for _, sk := range sks {
		s.mu.Lock()
		if e, ok := s.entries[sk]; ok {
			e.rollback = nil
			e.status = e.status.Clear(status.Committing)
			s.resolveFuturesLocked(sk, nil)
		}
		s.mu.Unlock()
	}
}

// sourceDidNotUpdate handles a failed update: a transient failure re-flags DIRTY to retry, a
// permanent one rolls the record back to its last committed snapshot.
func (s *Store) sourceDidNotUpdate(failures []source.CommitFailure) {
	for _, f := range failures {
		sk := storekey.Key(f.StoreKey)
		s.mu.Lock()
		e, ok := s.entries[sk]
		if !ok {
			s.mu.Unlock()
			continue
		}
		e.committed = cloneMap(e.rollback)
		e.rollback = nil
		stillDiffers := false
		for k, v := range e.data {
			if cv, ok := e.committed[k]; !ok || cv != v {
				stillDiffers = true
				if e.changed == nil {
					e.changed = map[string]bool{}
				}
				e.changed[k] = true
			}
		}
		e.status = e.status.Clear(status.Committing)
		if stillDiffers {
			e.status = e.status.Set(status.Dirty)
		}
		permanent := f.Permanent
		s.mu.Unlock()

		if permanent && f.Err != nil && !s.commitErrorHandled(sk, f.Err) {
			s.mu.Lock()
			if e, ok := s.entries[sk]; ok && e.committed != nil {
				e.data = cloneMap(e.committed)
				e.changed = nil
				e.status = e.status.Clear(status.Dirty)
			}
			s.mu.Unlock()
		}
		s.mu.Lock()
		s.resolveFuturesLocked(sk, f.Err)
		s.mu.Unlock()
	}
}

// SourceDidCommitDestroy unloads a destroyed storeKey, or restores it if meanwhile undestroyed
// locally before the commit landed.
func (s *Store) SourceDidCommitDestroy(sks []storekey.Key) {
	for _, sk := range sks {
		s.mu.Lock()
		e, ok := s.entries[sk]
		if !ok {
			s.mu.Unlock()
			continue
		}
		if e.status.Is(status.Destroyed) {
			s.unloadLocked(sk)
			e.status = e.status.WithCore(status.Destroyed)
		} else {
			e.status = e.status.WithCore(status.Ready).Set(status.New | status.Dirty).Clear(status.Committing)
		}
		s.resolveFuturesLocked(sk, nil)
		s.mu.Unlock()
	}
}

// sourceDidNotDestroy is the inverse of sourceDidNotCreate/Update: a failed destroy re-flags
// DESTROYED|DIRTY to retry, or, if permanent and unhandled, undestroys.
func (s *Store) sourceDidNotDestroy(failures []source.CommitFailure) {
	for _, f := range failures {
		sk := storekey.Key(f.StoreKey)
		s.handleCommitFailure(sk, f.Permanent, f.Err, func(e *entry) {
			e.status = e.status.WithCore(status.Ready).Clear(status.Committing)
		}, func(e *entry) {
			e.status = e.status.Clear(status.Committing).Set(status.Destroyed | status.Dirty)
		})
	}
}

// handleCommitFailure centralises the permanent/transient branching shared by
// sourceDidNotCreate/sourceDidNotDestroy: onPermanent runs
// when the failure is permanent and no listener called preventDefault; onTransient runs
// otherwise (including when a listener did prevent the default revert).
func (s *Store) handleCommitFailure(sk storekey.Key, permanent bool, err error, onPermanent, onTransient func(*entry)) {
	prevented := permanent && err != nil && s.commitErrorHandled(sk, err)
	s.mu.Lock()
	e, ok := s.entries[sk]
	if !ok {
		s.mu.Unlock()
		return
	}
	if permanent && !prevented {
		onPermanent(e)
	} else {
		onTransient(e)
	}
	s.resolveFuturesLocked(sk, err)
	s.mu.Unlock()
}

// unloadLockedWithCore unloads sk and then sets its core state to newCore. Caller must hold s.mu.
func (s *Store) unloadLockedWithCore(e *entry, sk storekey.Key, newCore status.Status) {
	s.unloadLocked(sk)
	e.status = e.status.WithCore(newCore)
}

// commitErrorHandled fires record:commit:error on every registered CommitErrorListener, returning
// true if any of them claimed the error (preventDefault).
func (s *Store) commitErrorHandled(sk storekey.Key, err error) bool {
	s.mu.Lock()
	fns := make([]CommitErrorListener, len(s.commitErrorFns))
	copy(fns, s.commitErrorFns)
	s.mu.Unlock()
	handled := false
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		if fn(sk, err) {
			handled = true
		}
	}
	return handled
}

// SourceDidFetchRecords upserts a batch of fetched records, and — for a full-collection fetch —
// treats any locally-known READY record of the same (type, account) absent from the response as
// remotely destroyed. This only applies within the account the fetch was scoped to; records in
// other accounts of the same type are left untouched.
func (s *Store) SourceDidFetchRecords(accountID, typeName string, records map[string]map[string]interface{}, state string, isAll bool) {
	s.mu.Lock()
	typ := s.types[typeName]
	seen := map[string]bool{}
	for id, data := range records {
		seen[id] = true
		sk := s.getOrCreateStoreKeyLocked(typeName, accountID, id)
		e := s.entries[sk]
		if e.status.Is(status.Committing | status.Dirty) {
			// A write is in flight or pending commit for this record; a concurrent full fetch must
			// not clobber it. Leave it alone; the in-flight commit will reconcile.
			continue
		}
		ingressed := s.ingressData(typ, accountID, data)
		e.data = ingressed
		e.status = e.status.WithCore(status.Ready).Clear(status.Loading | status.Obsolete)
		s.resolveFuturesLocked(sk, nil)
	}

	var toDestroy []storekey.Key
	if isAll {
		if byID, ok := s.idToSk[typeName]; ok {
			if byIDForAccount, ok := byID[accountID]; ok {
				for id, sk := range byIDForAccount {
					if seen[id] {
						continue
					}
					e, ok := s.entries[sk]
					if !ok || !e.status.Is(status.Ready) || e.accountID != accountID {
						continue
					}
					toDestroy = append(toDestroy, sk)
				}
			}
		}
	}
	st := s.typeAccount(typeName, accountID)
	if state != "" {
		st.clientState = state
		st.serverState = state
	}
	s.mu.Unlock()

	for _, sk := range toDestroy {
		s.mu.Lock()
		if e, ok := s.entries[sk]; ok {
			s.unloadLocked(sk)
			e.status = e.status.WithCore(status.Destroyed)
		}
		s.mu.Unlock()
	}
	s.fireTypeEventLocked(typeName, accountID, TypeChanged)
}

// SourceDidFetchPartialRecords merges per-record patches, applying the rebase policy to DIRTY
// records.
func (s *Store) SourceDidFetchPartialRecords(accountID, typeName string, updates map[string]map[string]interface{}) {
	for id, patch := range updates {
		s.mu.Lock()
		sk, ok := s.lookupStoreKeyLocked(typeName, accountID, id)
		if !ok {
			s.mu.Unlock()
			continue
		}
		e := s.entries[sk]
		typ := s.types[typeName]
		ingressed := s.ingressData(typ, accountID, patch)

		if e.status.Is(status.Committing) {
			e.status = e.status.Set(status.Obsolete)
			s.mu.Unlock()
			continue
		}

		if !e.status.Is(status.Dirty) {
			if e.data == nil {
				e.data = map[string]interface{}{}
			}
			for k, v := range ingressed {
				e.data[k] = v
			}
			s.mu.Unlock()
			s.fireTypeEventLocked(typeName, accountID, TypeChanged)
			continue
		}

		if !s.config.RebaseConflicts {
			if e.data == nil {
				e.data = map[string]interface{}{}
			}
			for k, v := range ingressed {
				e.data[k] = v
			}
			e.changed = nil
			e.committed = nil
			e.status = e.status.Clear(status.Dirty)
			s.mu.Unlock()
			s.fireTypeEventLocked(typeName, accountID, TypeChanged)
			continue
		}

		// rebaseConflicts: keep the client's dirty keys, take the server value for the rest, and
		// recompute committed/changed against this new baseline.
		newCommitted := map[string]interface{}{}
		for k, v := range e.committed {
			newCommitted[k] = v
		}
		for k, v := range ingressed {
			newCommitted[k] = v
		}
		newData := map[string]interface{}{}
		for k, v := range newCommitted {
			newData[k] = v
		}
		newChanged := map[string]bool{}
		for k := range e.changed {
			if v, ok := e.data[k]; ok {
				newData[k] = v
				if cv, ok := newCommitted[k]; !ok || cv != v {
					newChanged[k] = true
				}
			}
		}
		e.data = newData
		e.committed = newCommitted
		e.changed = newChanged
		if len(newChanged) == 0 {
			e.status = e.status.Clear(status.Dirty)
		}
		s.mu.Unlock()
		s.fireTypeEventLocked(typeName, accountID, TypeChanged)
	}
}

func (s *Store) lookupStoreKeyLocked(typeName, accountID, id string) (storekey.Key, bool) {
	byAccount, ok := s.idToSk[typeName]
	if !ok {
		return storekey.Zero, false
	}
	byID, ok := byAccount[accountID]
	if !ok {
		return storekey.Zero, false
	}
	sk, ok := byID[id]
	return sk, ok
}

// SourceCouldNotFindRecords flips each id's storeKey to NON_EXISTENT (if it had no data) or
// DESTROYED-then-unloaded (if it did).
func (s *Store) SourceCouldNotFindRecords(accountID, typeName string, ids []string) {
	for _, id := range ids {
		s.mu.Lock()
		sk := s.getOrCreateStoreKeyLocked(typeName, accountID, id)
		e := s.entries[sk]
		wasEmpty := e.status.Core() == status.Empty || e.status.Is(status.NonExistent)
		if wasEmpty {
			e.status = e.status.WithCore(status.NonExistent).Clear(status.Loading)
		} else {
			wasDirty := e.status.Is(status.Dirty)
			s.unloadLocked(sk)
			e.status = e.status.WithCore(status.Destroyed)
			if wasDirty {
				e.status = e.status.Set(status.Dirty)
			}
		}
		s.resolveFuturesLocked(sk, nil)
		s.mu.Unlock()
		s.fireTypeEventLocked(typeName, accountID, TypeChanged)
	}
}

// SourceDidDestroyRecords flips each id's storeKey to DESTROYED and unloads it, but only if the
// reverse id->sk mapping still points at the same id (protecting immutable-id replace semantics
// against a storeKey that has since been reassigned to a different id).
func (s *Store) SourceDidDestroyRecords(accountID, typeName string, ids []string) {
	for _, id := range ids {
		s.mu.Lock()
		sk, ok := s.lookupStoreKeyLocked(typeName, accountID, id)
		if !ok {
			s.mu.Unlock()
			continue
		}
		if s.skToID[typeName][sk] != id {
			s.mu.Unlock()
			continue
		}
		s.unloadLocked(sk)
		if e, ok := s.entries[sk]; ok {
			e.status = e.status.WithCore(status.Destroyed)
		}
		s.resolveFuturesLocked(sk, nil)
		s.mu.Unlock()
		s.fireTypeEventLocked(typeName, accountID, TypeChanged)
	}
}

// SourceStateDidChange records the latest server state token for (typeName, accountID) and
// reconciles against it: if the type is mid-LOADING/COMMITTING, checkServerState defers the
// reconciliation until that clears; otherwise it runs immediately, issuing a fetchAll scoped by
// the stored clientState and firing a per-type server-invalidation event.
func (s *Store) SourceStateDidChange(accountID, typeName, newState string) {
	s.mu.Lock()
	st := s.typeAccount(typeName, accountID)
	st.serverState = newState
	s.mu.Unlock()
	s.checkServerState(typeName, accountID)
}

// SourceDidFetchUpdates applies an incremental delta the source pushed for (accountID, typeName).
// If oldState still matches clientState, the update is current: the changed ids are marked
// OBSOLETE (to be refetched or merged lazily) and destroyed is run through
// SourceDidDestroyRecords, then clientState/serverState both advance to newState. If oldState has
// already drifted from clientState, this delta is stale and the full reconciliation
// SourceStateDidChange performs takes over instead.
func (s *Store) SourceDidFetchUpdates(accountID, typeName string, changed, destroyed []string, oldState, newState string) {
	s.mu.Lock()
	st := s.typeAccount(typeName, accountID)
	matches := oldState == st.clientState
	s.mu.Unlock()

	if !matches {
		s.SourceStateDidChange(accountID, typeName, newState)
		return
	}

	for _, id := range changed {
		s.mu.Lock()
		if sk, ok := s.lookupStoreKeyLocked(typeName, accountID, id); ok {
			if e, ok := s.entries[sk]; ok {
				e.status = e.status.Set(status.Obsolete)
			}
		}
		s.mu.Unlock()
	}
	if len(changed) > 0 {
		s.fireTypeEventLocked(typeName, accountID, TypeChanged)
	}

	s.SourceDidDestroyRecords(accountID, typeName, destroyed)

	s.mu.Lock()
	st.clientState = newState
	st.serverState = newState
	s.mu.Unlock()
}

func (s *Store) handleFetchAllResult(accountID, typeName string, res source.FetchResult, err error) {
	s.mu.Lock()
	st := s.typeAccount(typeName, accountID)
	st.status = st.status.Clear(status.Loading)
	s.mu.Unlock()
	defer s.checkServerState(typeName, accountID)
	defer s.resolveTypeFuturesIfReady(typeName, accountID)

	if err != nil {
		s.log.Warnf("fetchAllRecords(%s,%s) failed: %v", accountID, typeName, err)
		return
	}
	for _, id := range res.NotFound {
		s.SourceCouldNotFindRecords(accountID, typeName, []string{id})
	}
	s.SourceDidFetchRecords(accountID, typeName, res.Records, res.State, res.IsAll)
}
