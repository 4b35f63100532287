// Package source defines the contract between a Store and the external collaborator that
// performs I/O against a remote record source, plus the wire-level structs exchanged
// across that boundary.
//
// A Source is never assumed to call back on the run-loop thread by construction:,
// a truly concurrent Source is responsible for marshalling its callbacks onto the Store's
// run-loop before invoking any Store method. This package only defines the shapes; store.Store
// implements the callback side.
package source

import "context"

// ChangeEntry is the per-(type, account) bundle of pending mutations submitted to a Source in a
// single commit.
type ChangeEntry struct {
	// Create holds storeKeys (as strings, to keep this package independent of storekey) mapped to
	// the client-settable attribute data for records never before committed.
	Create map[string]map[string]interface{}

	// Update holds storeKeys mapped to the subset of attributes that changed since the last commit
	// (already filtered by NoSync, keyed by property name, with reference values translated to ids).
	Update map[string]map[string]interface{}

	// MoveFromAccount holds, per originating account id, the records that are being created in this
	// account as a move from another one: CopyFromID is the originating record's id, Changes is a
	// diff against the source record.
	MoveFromAccount map[string][]MoveEntry

	// Destroy lists the ids of records being destroyed. Records destroyed as part of a move are
	// omitted (they appear only in MoveFromAccount).
	Destroy []string

	// State is the clientState token this change entry was computed against.
	State string
}

// MoveEntry describes one record being created in a new account by moving it from another.
type MoveEntry struct {
	StoreKey   string
	CopyFromID string
	Changes    map[string]interface{}
}

// IsEmpty reports whether the entry has nothing to send to the source.
func (c ChangeEntry) IsEmpty() bool {
	return len(c.Create) == 0 && len(c.Update) == 0 && len(c.MoveFromAccount) == 0 && len(c.Destroy) == 0
}

// CommitResult is delivered via the done callback passed to CommitChanges. It groups the outcome
// of every storeKey the change entry covered so the Store can dispatch its per-storeKey callbacks.
type CommitResult struct {
	// CreatedServerData maps a created storeKey to the server-assigned id and any server-populated
	// fields (sourceDidCommitCreate).
	CreatedServerData map[string]map[string]interface{}
	// CreateFailures lists storeKeys the source could not create, with whether the failure is
	// permanent and a per-storeKey error (sourceDidNotCreate).
	CreateFailures []CommitFailure

	// UpdatedStoreKeys lists storeKeys whose update committed cleanly (sourceDidCommitUpdate).
	UpdatedStoreKeys []string
	// UpdateFailures lists storeKeys whose update failed (sourceDidNotUpdate).
	UpdateFailures []CommitFailure

	// DestroyedStoreKeys lists storeKeys whose destroy committed cleanly (sourceDidCommitDestroy).
	DestroyedStoreKeys []string
	// DestroyFailures lists storeKeys whose destroy failed (sourceDidNotDestroy).
	DestroyFailures []CommitFailure

	// NewState is the state token the source associates with the snapshot following this commit,
	// if it provides one (sourceCommitDidChangeState). Empty if the source doesn't report one.
	NewState string
}

// CommitFailure pairs a failed storeKey with whether the failure is permanent and its error.
type CommitFailure struct {
	StoreKey  string
	Permanent bool
	Err       error
}

// FetchResult is the payload of a completed fetch: the records a FetchRecord/RefreshRecord/
// FetchAllRecords call returned, plus the state token they were fetched against.
type FetchResult struct {
	// Records maps id to the record's full attribute set as reported by the source.
	Records map[string]map[string]interface{}
	// State is the opaque token the source associates with this snapshot.
	State string
	// IsAll marks a full-collection fetch: ids present locally but absent here (for this account)
	// are treated as remotely destroyed.
	IsAll bool
	// NotFound lists ids the source confirmed do not exist.
	NotFound []string
}

// PartialFetchResult is the payload of a partial (patch-only) fetch, e.g. a push notification of
// changed fields rather than a full record.
type PartialFetchResult struct {
	Updates map[string]map[string]interface{}
}

// Query is the minimal view of a windowed query a Source needs to build and deliver fetches
// against, kept here (rather than importing windowedquery) so this package has no dependency on
// it; windowedquery.Query implements this interface.
type Query interface {
	// AccountID and TypeName identify which collection this query ranges over.
	AccountID() string
	TypeName() string
	// WillFetch returns the next coalesced fetch request for this query, or ok=false if there is
	// nothing to fetch right now.
	WillFetch() (FetchRequest, bool)
}

// FetchRequest is the coalesced id/record range request a WindowedQuery produces for its Source
// to satisfy.
type FetchRequest struct {
	// IDRanges and RecordRanges are disjoint, sorted, non-overlapping [start,count) window ranges.
	IDRanges     []Range
	RecordRanges []Range
	// IndexOf lists pending indexOfStoreKey lookups the source should resolve, by id.
	IndexOf []string
	// Refresh forces a full id-range refetch even for windows already READY.
	Refresh bool
	// Done is invoked by the source once this request's in-flight state should clear, regardless
	// of whether the underlying IO succeeded.
	Done func()
}

// Range is a half-open [Start, Start+Count) window of positions in a windowed query's list.
type Range struct {
	Start int
	Count int
}

// Source is the external collaborator a Store delegates all I/O to.
type Source interface {
	// FetchRecord retrieves a single record by id.
	FetchRecord(ctx context.Context, accountID, typeName, id string, done func(FetchResult, error))
	// RefreshRecord re-fetches a single, already-known record by id.
	RefreshRecord(ctx context.Context, accountID, typeName, id string, done func(FetchResult, error))
	// FetchAllRecords fetches the full collection for (accountID, typeName), optionally scoped to
	// changes since sinceState.
	FetchAllRecords(ctx context.Context, accountID, typeName, sinceState string, done func(FetchResult, error))
	// FetchQuery pulls query.WillFetch()'s payload and eventually calls back SourceDidFetchIds/
	// SourceDidFetchUpdate on the query (the call site is windowedquery, whose Query implements
	// those callbacks; this package only states the contract).
	FetchQuery(ctx context.Context, query Query)
	// CommitChanges submits one change entry and invokes done with its outcome once the source
	// has resolved every storeKey's fate.
	CommitChanges(ctx context.Context, changes ChangeEntry, done func(CommitResult))
}

// IDPacket is delivered by a Source to a WindowedQuery in response to an id-range fetch.
type IDPacket struct {
	QueryState string
	Position   int
	IDs        []string
	Total      int
}

// Added describes one inserted id at a position, part of a DeltaUpdate.
type Added struct {
	Index int
	ID    string
}

// DeltaUpdate is delivered by a Source to a WindowedQuery to advance it from OldQueryState to
// NewQueryState.
type DeltaUpdate struct {
	OldQueryState string
	NewQueryState string
	Removed       []string
	Added         []Added
	UpToID        string
	Total         int
}
