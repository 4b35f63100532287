// Package store implements the Store: record identity, the status bitmask state machine, the
// dirty/committed/rollback data trio, the commit pipeline, and the source-callback handlers that
// advance it.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/appcore/datastore/corelog"
	"github.com/appcore/datastore/internal/broadcast"
	"github.com/appcore/datastore/localquery"
	"github.com/appcore/datastore/record"
	"github.com/appcore/datastore/runloop"
	"github.com/appcore/datastore/source"
	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
)

// entry is the per-storeKey bundle of parallel tables: status, loaded data, pending changes,
// and bookkeeping for the commit pipeline.
type entry struct {
	typeName  string
	accountID string
	status    status.Status
	lastAccess int64

	data      map[string]interface{}
	changed   map[string]bool
	committed map[string]interface{}
	rollback  map[string]interface{}

	rec *record.Record
}

// typeAccountState is the per-(account, type) bookkeeping: aggregate status and the client/server
// state tokens used for incremental refetch.
type typeAccountState struct {
	status      status.Status
	clientState string
	serverState string
}

// Config holds the Store's tunables.
type Config struct {
	// AutoCommit schedules a commit on the run-loop's Middle queue after every mutation, rather
	// than requiring an explicit CommitChanges call.
	AutoCommit bool
	// RebaseConflicts controls how sourceDidFetchPartialRecords behaves for a DIRTY record.
	RebaseConflicts bool
}

// Query is the minimal shape a query must satisfy to be tracked by a Store via AddQuery/
// RemoveQuery/GetQuery/GetAllQueries. localquery.Query and windowedquery.Query both implement it.
type Query interface {
	ID() string
}

// Store is the in-memory record cache mediating between application code and a Source.
type Store struct {
	mu sync.Mutex

	loop   runloop.RunLoop
	src    source.Source
	log    corelog.Loggers
	config Config
	gen    storekey.Generator
	clock  func() int64

	types map[string]*record.Type

	entries map[storekey.Key]*entry
	skToID  map[string]map[storekey.Key]string            // typeName -> sk -> id
	idToSk  map[string]map[string]map[string]storekey.Key // typeName -> accountID -> id -> sk

	perTypeAccount map[string]map[string]*typeAccountState // typeName -> accountID -> state

	created   map[storekey.Key]storekey.Key // move target sk -> original sk
	destroyed map[storekey.Key]storekey.Key // original sk -> move target sk

	isCommitting bool
	needsCommit  bool

	typeEvents     map[string]*broadcast.Broadcaster[TypeEvent]
	recordEvents   *broadcast.Broadcaster[RecordEvent]
	commitErrorFns []CommitErrorListener

	pendingFutures map[storekey.Key][]*record.Future
	typeFutures    map[string][]*record.Future // "typeName\x00accountID" -> futures

	queries map[string]Query

	errorChan chan error
}

// New creates a Store backed by loop for scheduling and src for I/O. Its lastAccess clock is an
// internal, monotonically increasing counter.
func New(loop runloop.RunLoop, src source.Source, log corelog.Loggers, config Config) *Store {
	var counter int64
	s := &Store{
		loop:           loop,
		src:            src,
		log:            log.Named("store"),
		config:         config,
		types:          map[string]*record.Type{},
		entries:        map[storekey.Key]*entry{},
		skToID:         map[string]map[storekey.Key]string{},
		idToSk:         map[string]map[string]map[string]storekey.Key{},
		perTypeAccount: map[string]map[string]*typeAccountState{},
		created:        map[storekey.Key]storekey.Key{},
		destroyed:      map[storekey.Key]storekey.Key{},
		typeEvents:     map[string]*broadcast.Broadcaster[TypeEvent]{},
		recordEvents:   broadcast.New[RecordEvent](),
		pendingFutures: map[storekey.Key][]*record.Future{},
		typeFutures:    map[string][]*record.Future{},
		queries:        map[string]Query{},
		errorChan:      make(chan error, 16),
	}
	s.clock = func() int64 { counter++; return counter }
	return s
}

// RegisterType declares a record schema the store will accept records of.
func (s *Store) RegisterType(t *record.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[t.Name] = t
	if _, ok := s.typeEvents[t.Name]; !ok {
		s.typeEvents[t.Name] = broadcast.New[TypeEvent]()
	}
}

// Errors returns the process-wide diagnostic channel programming errors are reported on.
func (s *Store) Errors() <-chan error { return s.errorChan }

func (s *Store) reportProgrammingError(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)
	select {
	case s.errorChan <- err:
	default:
		s.log.Errorf("diagnostic channel full, dropping: %v", err)
	}
}

// TypeEvents returns the broadcaster application code should subscribe to for change
// notifications on typeName.
func (s *Store) TypeEvents(typeName string) *broadcast.Broadcaster[TypeEvent] {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.typeEvents[typeName]
	if !ok {
		b = broadcast.New[TypeEvent]()
		s.typeEvents[typeName] = b
	}
	return b
}

// RecordEvents returns the store-wide record-level user-action broadcaster.
func (s *Store) RecordEvents() *broadcast.Broadcaster[RecordEvent] { return s.recordEvents }

// SubscribeType adapts TypeEvents(typeName) into a plain signal channel plus an unsubscribe func,
// for consumers (localquery, in particular) that only care that something about the type changed,
// not the event's kind. The returned channel holds at most one pending struct{}: a TypeEvent that
// arrives while a signal is still unread is coalesced into it. The channel is closed by
// unsubscribe.
func (s *Store) SubscribeType(typeName string) (<-chan struct{}, func()) {
	src := s.TypeEvents(typeName)
	upstream := src.AddListener()
	sig := make(chan struct{}, 1)
	var once sync.Once
	closeSig := func() { once.Do(func() { close(sig) }) }
	go func() {
		defer closeSig()
		for range upstream {
			select {
			case sig <- struct{}{}:
			default:
			}
		}
	}()
	unsubscribe := func() {
		src.RemoveListener(upstream)
	}
	return sig, unsubscribe
}

// OnCommitError registers a listener for permanent, unhandled commit failures. The returned func
// unregisters it.
func (s *Store) OnCommitError(fn CommitErrorListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErrorFns = append(s.commitErrorFns, fn)
	idx := len(s.commitErrorFns) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.commitErrorFns) {
			s.commitErrorFns[idx] = nil
		}
	}
}

func (s *Store) fireTypeEvent(typeName, accountID string, kind TypeEventKind) {
	b, ok := s.typeEvents[typeName]
	if !ok {
		return
	}
	b.Broadcast(TypeEvent{Kind: kind, TypeName: typeName, AccountID: accountID})
}

func (s *Store) typeAccount(typeName, accountID string) *typeAccountState {
	byAccount, ok := s.perTypeAccount[typeName]
	if !ok {
		byAccount = map[string]*typeAccountState{}
		s.perTypeAccount[typeName] = byAccount
	}
	st, ok := byAccount[accountID]
	if !ok {
		st = &typeAccountState{}
		byAccount[accountID] = st
	}
	return st
}

// StoreKeysForType returns every storeKey currently known for typeName, in no particular order,
// including not-yet-committed NEW records, for use by LocalQuery's recompute-on-change scan.
func (s *Store) StoreKeysForType(typeName string) []storekey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storekey.Key
	for sk, e := range s.entries {
		if e.typeName == typeName {
			out = append(out, sk)
		}
	}
	return out
}

// StoreKeysForTypeAccount is StoreKeysForType scoped to a single accountID, for use by a LocalQuery
// bound to one account.
func (s *Store) StoreKeysForTypeAccount(typeName, accountID string) []storekey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storekey.Key
	for sk, e := range s.entries {
		if e.typeName == typeName && e.accountID == accountID {
			out = append(out, sk)
		}
	}
	return out
}

// ---- Identity lookups ----

// GetStoreKey returns the storeKey currently mapped to (typeName, accountID, id), minting and
// registering one if this is the first reference.
func (s *Store) GetStoreKey(typeName, accountID, id string) storekey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateStoreKeyLocked(typeName, accountID, id)
}

func (s *Store) getOrCreateStoreKeyLocked(typeName, accountID, id string) storekey.Key {
	byAccount, ok := s.idToSk[typeName]
	if !ok {
		byAccount = map[string]map[string]storekey.Key{}
		s.idToSk[typeName] = byAccount
	}
	byID, ok := byAccount[accountID]
	if !ok {
		byID = map[string]storekey.Key{}
		byAccount[accountID] = byID
	}
	if sk, ok := byID[id]; ok {
		return sk
	}
	sk := s.gen.New()
	byID[id] = sk
	if _, ok := s.skToID[typeName]; !ok {
		s.skToID[typeName] = map[storekey.Key]string{}
	}
	s.skToID[typeName][sk] = id
	s.entries[sk] = &entry{
		typeName:  typeName,
		accountID: accountID,
		status:    status.Empty,
	}
	return sk
}

// GetIdFromStoreKey returns the source id for sk, or "" if sk is NEW (no id assigned yet) or
// unknown.
func (s *Store) GetIdFromStoreKey(sk storekey.Key) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sk]
	if !ok {
		return ""
	}
	return s.skToID[e.typeName][sk]
}

// GetAccountIdFromStoreKey returns the account sk was assigned to at creation; this never
// changes for a given sk.
func (s *Store) GetAccountIdFromStoreKey(sk storekey.Key) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sk]; ok {
		return e.accountID
	}
	return ""
}

// GetStatus returns sk's current status bits.
func (s *Store) GetStatus(sk storekey.Key) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sk]; ok {
		return e.status
	}
	return status.Empty
}

// GetTypeStatus returns the type-level status bits (LOADING/COMMITTING/READY) for (typeName,
// accountID).
func (s *Store) GetTypeStatus(typeName, accountID string) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typeAccount(typeName, accountID).status
}

// GetTypeState returns the (clientState, serverState) token pair for (typeName, accountID).
func (s *Store) GetTypeState(typeName, accountID string) (clientState, serverState string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.typeAccount(typeName, accountID)
	return st.clientState, st.serverState
}

func typeFutureKey(typeName, accountID string) string { return typeName + "\x00" + accountID }

// WhenTypeReady returns a Future that resolves once (typeName, accountID) next clears both
// LOADING and COMMITTING, or immediately if it is already clear.
func (s *Store) WhenTypeReady(typeName, accountID string) *record.Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.typeAccount(typeName, accountID)
	f := record.NewFuture()
	if !st.status.Is(status.Loading | status.Committing) {
		f.Resolve(nil)
		return f
	}
	key := typeFutureKey(typeName, accountID)
	s.typeFutures[key] = append(s.typeFutures[key], f)
	return f
}

// resolveTypeFuturesIfReady settles every pending WhenTypeReady future for (typeName, accountID)
// if its LOADING/COMMITTING bits are both clear.
func (s *Store) resolveTypeFuturesIfReady(typeName, accountID string) {
	s.mu.Lock()
	st := s.typeAccount(typeName, accountID)
	if st.status.Is(status.Loading | status.Committing) {
		s.mu.Unlock()
		return
	}
	key := typeFutureKey(typeName, accountID)
	futures := s.typeFutures[key]
	delete(s.typeFutures, key)
	s.mu.Unlock()
	for _, f := range futures {
		f.Resolve(nil)
	}
}

// checkServerState is sourceStateDidChange's reconciliation, exposed so it can be re-run once
// (typeName, accountID)'s LOADING/COMMITTING bits clear — a state change recorded while busy only
// updates serverState; it doesn't act until here — and so CheckForChanges can force the same check
// on demand.
func (s *Store) checkServerState(typeName, accountID string) {
	s.mu.Lock()
	st := s.typeAccount(typeName, accountID)
	if st.status.Is(status.Loading | status.Committing) {
		s.mu.Unlock()
		return
	}
	sinceState := st.clientState
	differs := st.serverState != "" && st.serverState != st.clientState
	if differs {
		st.status = st.status.Set(status.Loading)
	}
	s.mu.Unlock()
	if !differs {
		return
	}

	s.fireTypeEventLocked(typeName, accountID, TypeServerInvalidated)
	s.src.FetchAllRecords(context.Background(), accountID, typeName, sinceState, func(res source.FetchResult, err error) {
		s.loop.Defer(runloop.Before, func() {
			s.handleFetchAllResult(accountID, typeName, res, err)
		})
	})
}

// CheckForChanges re-examines (typeName, accountID) against its last known serverState, forcing
// the same reconciliation a server push would trigger without waiting for one.
func (s *Store) CheckForChanges(typeName, accountID string) {
	s.checkServerState(typeName, accountID)
}

// HasChangesForType reports whether (typeName, accountID)'s last known serverState has moved past
// clientState, meaning CheckForChanges would (or a pending fetch already will) refetch it.
func (s *Store) HasChangesForType(typeName, accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.typeAccount(typeName, accountID)
	return st.serverState != "" && st.serverState != st.clientState
}

// GetRecordFromStoreKey materialises (or returns the cached) Record facade for sk.
func (s *Store) GetRecordFromStoreKey(sk storekey.Key) *record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordForLocked(sk)
}

func (s *Store) recordForLocked(sk storekey.Key) *record.Record {
	e, ok := s.entries[sk]
	if !ok {
		return nil
	}
	e.lastAccess = s.clock()
	if e.rec == nil {
		typ := s.types[e.typeName]
		skCopy := sk
		e.rec = record.Bind(s, typ, &skCopy)
	}
	return e.rec
}

// LastAccess returns the logical tick of sk's most recent GetRecord/GetRecordFromStoreKey access,
// for use by an external memory manager prioritising eviction candidates.
func (s *Store) LastAccess(sk storekey.Key) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sk]; ok {
		return e.lastAccess
	}
	return 0
}

// GetRecord returns the record for (accountID, typeName, id), creating its identity on first
// reference and triggering a fetch if nothing is known about it yet (EMPTY -> EMPTY|LOADING).
func (s *Store) GetRecord(ctx context.Context, accountID, typeName, id string) *record.Record {
	s.mu.Lock()
	sk := s.getOrCreateStoreKeyLocked(typeName, accountID, id)
	e := s.entries[sk]
	needsFetch := e.status == status.Empty
	if needsFetch {
		e.status = status.Empty | status.Loading
	}
	rec := s.recordForLocked(sk)
	s.mu.Unlock()

	if needsFetch {
		s.fetchRecordAsync(ctx, accountID, typeName, id)
	}
	return rec
}

// GetOne returns the already-bound record for (accountID, typeName, id) if its identity has been
// referenced before, or nil if nothing is known about it yet. Unlike GetRecord, it never mints an
// identity or triggers a fetch.
func (s *Store) GetOne(accountID, typeName, id string) *record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.lookupStoreKeyLocked(typeName, accountID, id)
	if !ok {
		return nil
	}
	return s.recordForLocked(sk)
}

// FindOne is GetRecord followed by Await: it ensures a fetch is in flight for (accountID,
// typeName, id) and returns a Future that resolves once the record leaves LOADING.
func (s *Store) FindOne(ctx context.Context, accountID, typeName, id string) *record.Future {
	rec := s.GetRecord(ctx, accountID, typeName, id)
	return s.Await(rec.StoreKey(), nil)
}

// GetAll returns a live, unfiltered view over every currently-loaded READY record of typeName,
// across every account. It never talks to the source; call FindAll to force a refresh first.
func (s *Store) GetAll(typeName string) *localquery.Query {
	return localquery.New(s, []string{typeName}, "", nil, nil)
}

// FindAll triggers a fetchAllRecords for (accountID, typeName) and returns the LocalQuery that
// will reflect its result once the fetch lands.
func (s *Store) FindAll(ctx context.Context, accountID, typeName string) *localquery.Query {
	q := localquery.New(s, []string{typeName}, accountID, nil, nil)
	s.mu.Lock()
	st := s.typeAccount(typeName, accountID)
	sinceState := st.clientState
	st.status = st.status.Set(status.Loading)
	s.mu.Unlock()
	s.src.FetchAllRecords(ctx, accountID, typeName, sinceState, func(res source.FetchResult, err error) {
		s.loop.Defer(runloop.Before, func() {
			s.handleFetchAllResult(accountID, typeName, res, err)
		})
	})
	return q
}

func (s *Store) fetchRecordAsync(ctx context.Context, accountID, typeName, id string) {
	s.src.FetchRecord(ctx, accountID, typeName, id, func(res source.FetchResult, err error) {
		s.loop.Defer(runloop.Before, func() {
			s.handleFetchRecordResult(accountID, typeName, id, res, err)
		})
	})
}

func (s *Store) handleFetchRecordResult(accountID, typeName, id string, res source.FetchResult, err error) {
	if err != nil {
		s.log.Warnf("fetchRecord(%s,%s,%s) failed: %v", accountID, typeName, id, err)
		return
	}
	for _, notFound := range res.NotFound {
		s.SourceCouldNotFindRecords(accountID, typeName, []string{notFound})
	}
	s.SourceDidFetchRecords(accountID, typeName, res.Records, res.State, res.IsAll)
}

// CreateRecord constructs and immediately saves a new record of typeName for accountID, seeded
// with data keyed by property name.
func (s *Store) CreateRecord(typeName, accountID string, data map[string]interface{}) (*record.Record, error) {
	s.mu.Lock()
	typ, ok := s.types[typeName]
	s.mu.Unlock()
	if !ok {
		s.reportProgrammingError("store: createRecord: unknown type %q", typeName)
		return nil, fmt.Errorf("store: unknown type %q", typeName)
	}
	rec := record.New(typ, accountID, data)
	if err := rec.SaveToStore(s); err != nil {
		return nil, err
	}
	s.recordEvents.Broadcast(RecordEvent{Kind: RecordUserCreate, StoreKey: rec.StoreKey()})
	s.maybeScheduleCommit()
	return rec, nil
}

// UpdateData applies patch to sk's attributes updateData.
func (s *Store) UpdateData(sk storekey.Key, patch map[string]interface{}, dirty bool) error {
	s.mu.Lock()
	e, ok := s.entries[sk]
	if !ok {
		s.mu.Unlock()
		s.reportProgrammingError("store: updateData: unknown storeKey %s", sk)
		return fmt.Errorf("store: unknown storeKey %s", sk)
	}
	if !e.status.Is(status.Ready) {
		s.mu.Unlock()
		s.reportProgrammingError("store: updateData: storeKey %s is not READY", sk)
		return fmt.Errorf("store: storeKey %s is not ready for writes", sk)
	}
	if e.data == nil {
		e.data = map[string]interface{}{}
	}
	if dirty && e.changed == nil {
		e.changed = map[string]bool{}
	}
	if dirty && e.committed == nil && !e.status.Is(status.New) {
		e.committed = cloneMap(e.data)
	}
	for k, v := range patch {
		e.data[k] = v
		if dirty {
			e.changed[k] = true
		}
	}
	if dirty {
		e.status = e.status.Set(status.Dirty)
	}
	s.mu.Unlock()

	if dirty {
		s.recordEvents.Broadcast(RecordEvent{Kind: RecordUserUpdate, StoreKey: sk})
		s.fireTypeEventLocked(e.typeName, e.accountID, TypeChanged)
		s.maybeScheduleCommit()
	}
	return nil
}

func (s *Store) fireTypeEventLocked(typeName, accountID string, kind TypeEventKind) {
	s.mu.Lock()
	b := s.typeEvents[typeName]
	s.mu.Unlock()
	if b != nil {
		b.Broadcast(TypeEvent{Kind: kind, TypeName: typeName, AccountID: accountID})
	}
}

// DestroyRecord flips sk to DESTROYED and schedules (or leaves pending) a commit.
func (s *Store) DestroyRecord(sk storekey.Key) error {
	s.mu.Lock()
	e, ok := s.entries[sk]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("store: unknown storeKey %s", sk)
	}
	wasNew := e.status.Is(status.New)
	e.status = e.status.WithCore(status.Destroyed)
	if wasNew {
		// A record destroyed before ever committing unloads immediately; there is nothing to tell
		// the source about.
		s.unloadLocked(sk)
		s.mu.Unlock()
		return nil
	}
	e.status = e.status.Set(status.Dirty)
	typeName, accountID := e.typeName, e.accountID
	s.mu.Unlock()

	s.recordEvents.Broadcast(RecordEvent{Kind: RecordUserDestroy, StoreKey: sk})
	s.fireTypeEventLocked(typeName, accountID, TypeChanged)
	s.maybeScheduleCommit()
	return nil
}

// UndestroyRecord reverses a not-yet-committed DestroyRecord.
func (s *Store) UndestroyRecord(sk storekey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sk]
	if !ok {
		return fmt.Errorf("store: unknown storeKey %s", sk)
	}
	if !e.status.Is(status.Destroyed) {
		return nil
	}
	e.status = e.status.WithCore(status.Ready)
	return nil
}

// MoveRecord moves sk's record into targetAccountID, returning the new storeKey the moved record
// will be accessible under once the move commits. Callers holding a *record.Record for sk should
// re-bind it via s.GetRecordFromStoreKey(newSk) rather than mutating the original in place.
func (s *Store) MoveRecord(sk storekey.Key, targetAccountID string) (storekey.Key, error) {
	s.mu.Lock()
	e, ok := s.entries[sk]
	if !ok {
		s.mu.Unlock()
		return storekey.Zero, fmt.Errorf("store: unknown storeKey %s", sk)
	}
	typeName := e.typeName
	data := cloneMap(e.data)
	newSk := s.gen.New()
	s.entries[newSk] = &entry{
		typeName:  typeName,
		accountID: targetAccountID,
		status:    status.Ready | status.New | status.Dirty,
		data:      data,
	}
	s.created[newSk] = sk
	s.destroyed[sk] = newSk
	e.status = e.status.WithCore(status.Destroyed).Set(status.Dirty)
	s.mu.Unlock()

	s.fireTypeEventLocked(typeName, targetAccountID, TypeChanged)
	s.maybeScheduleCommit()
	return newSk, nil
}

func (s *Store) maybeScheduleCommit() {
	if !s.config.AutoCommit {
		return
	}
	s.loop.Defer(runloop.Middle, func() {
		if err := s.CommitChanges(context.Background()); err != nil {
			s.log.Warnf("commitChanges: %v", err)
		}
	})
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// unloadLocked drops record/data/status/rollback/lastAccess but keeps the id<->sk mapping.
// Caller must hold s.mu.
func (s *Store) unloadLocked(sk storekey.Key) {
	e, ok := s.entries[sk]
	if !ok {
		return
	}
	e.data = nil
	e.changed = nil
	e.committed = nil
	e.rollback = nil
	e.lastAccess = 0
	e.status = e.status.Clear(status.Ready | status.Dirty | status.Committing | status.New | status.Loading | status.Obsolete)
	e.rec = nil
}

// MayUnloadRecord reports false for an unknown storeKey or one that is COMMITTING, NEW or DIRTY,
// and true otherwise. Observers of a materialised Record and bound Record values are not
// considered: a record with listeners attached may still be unloaded.
func (s *Store) MayUnloadRecord(sk storekey.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sk]
	if !ok {
		return false
	}
	return !e.status.Is(status.Committing | status.New | status.Dirty)
}

// UnloadRecord evicts sk's in-memory data if MayUnloadRecord(sk) holds, called by an external
// memory manager.
func (s *Store) UnloadRecord(sk storekey.Key) bool {
	if !s.MayUnloadRecord(sk) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloadLocked(sk)
	return true
}

// AddQuery registers q so it can be retrieved by id via GetQuery/GetAllQueries.
func (s *Store) AddQuery(q Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[q.ID()] = q
}

// RemoveQuery deregisters a previously added query.
func (s *Store) RemoveQuery(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queries, id)
}

// GetQuery returns a previously added query by id.
func (s *Store) GetQuery(id string) (Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[id]
	return q, ok
}

// GetAllQueries returns every currently registered query.
func (s *Store) GetAllQueries() []Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Query, 0, len(s.queries))
	for _, q := range s.queries {
		out = append(out, q)
	}
	return out
}
