package store

import "github.com/appcore/datastore/storekey"

// TypeEventKind distinguishes the different per-type notifications a Store fans out.
type TypeEventKind int

const (
	// TypeChanged fires whenever any record of the type changes, is created, or destroyed.
	TypeChanged TypeEventKind = iota
	// TypeServerInvalidated fires when the source reports a newer serverState than clientState
	// for (type, account).
	TypeServerInvalidated
	// WillCommit fires immediately before a change entry is handed to the source.
	WillCommit
	// DidCommit fires once a change entry's source.CommitChanges done callback has run.
	DidCommit
)

// TypeEvent is broadcast on the per-type event channel.
type TypeEvent struct {
	Kind      TypeEventKind
	TypeName  string
	AccountID string
}

// RecordEventKind distinguishes the record-level user-action notifications a Store fans out.
type RecordEventKind int

const (
	// RecordUserCreate fires from Store.CreateRecord once the new record is saved to the store.
	RecordUserCreate RecordEventKind = iota
	// RecordUserUpdate fires from an UpdateData call that leaves the record dirty.
	RecordUserUpdate
	// RecordUserDestroy fires from Store.DestroyRecord for a record that was already committed; a
	// NEW record destroyed before its first commit is unloaded without this event.
	RecordUserDestroy
)

// RecordEvent is broadcast on the store-wide record-event channel.
type RecordEvent struct {
	Kind     RecordEventKind
	StoreKey storekey.Key
}

// CommitErrorListener is invoked synchronously for every permanent, unhandled commit failure
//. Returning true prevents the Store's default revert
// behaviour (create→destroy, update→revertData, destroy→undestroy), leaving the record as-is.
type CommitErrorListener func(sk storekey.Key, err error) (preventDefault bool)
