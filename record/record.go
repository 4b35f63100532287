package record

import (
	"fmt"

	"github.com/appcore/datastore/status"
	"github.com/appcore/datastore/storekey"
)

// Accessor is the subset of Store that a Record needs to proxy reads, writes and lifecycle calls
// through. It exists so this package does not import store (store imports record instead),
// grounded on interfaces/ldstoretypes' small DataKind/ItemDescriptor seam between the data model
// and its storage.
type Accessor interface {
	Status(sk storekey.Key) status.Status
	Data(sk storekey.Key) map[string]interface{}
	UpdateData(sk storekey.Key, patch map[string]interface{}, dirty bool) error
	SaveNew(typ *Type, accountID string, data map[string]interface{}) (storekey.Key, error)
	DiscardChanges(sk storekey.Key) error
	Fetch(sk storekey.Key) error
	Destroy(sk storekey.Key) error
	Clone(sk storekey.Key, target Accessor) (storekey.Key, error)
	Await(sk storekey.Key, handledErrorTypes []string) *Future
}

// Record is a thin polymorphic facade bound to (store, storeKey). Reads and writes proxy to the
// Accessor; a Record that has not yet been saved holds its own buffer instead.
type Record struct {
	store Accessor
	typ   *Type

	// sk is held by indirection; SaveToStore fills the box once the record is migrated into the
	// store. The store does not share or swap it: a move yields a new storeKey, and a Record for
	// the moved record is obtained under that new key.
	sk *storekey.Key

	// accountID and localData are only meaningful before SaveToStore has migrated the record into
	// the store (sk is still Zero).
	accountID string
	localData map[string]interface{}
}

// New creates an unsaved Record of the given type for accountID, seeded with initial data keyed
// by property name. Call SaveToStore to persist it into a Store.
func New(typ *Type, accountID string, data map[string]interface{}) *Record {
	buf := make(map[string]interface{}, len(data))
	for k, v := range data {
		buf[k] = v
	}
	zero := storekey.Zero
	return &Record{typ: typ, accountID: accountID, localData: buf, sk: &zero}
}

// bind wraps an existing store-resident storeKey in a Record facade. Used by the store when
// materialising a Record for a previously-known storeKey.
func bind(store Accessor, typ *Type, sk *storekey.Key) *Record {
	return &Record{store: store, typ: typ, sk: sk}
}

// Bind is the exported form of bind, for use by the store package.
func Bind(store Accessor, typ *Type, sk *storekey.Key) *Record {
	return bind(store, typ, sk)
}

// Type returns the record's schema.
func (r *Record) Type() *Type { return r.typ }

// StoreKey returns the record's current storeKey, or storekey.Zero if it has not been saved yet.
func (r *Record) StoreKey() storekey.Key { return *r.sk }

// IsSaved reports whether the record has been migrated into a store.
func (r *Record) IsSaved() bool { return !r.sk.IsZero() }

// Status returns the record's current status bits. An unsaved record reports Ready|New|Dirty.
func (r *Record) Status() status.Status {
	if !r.IsSaved() {
		return status.Ready | status.New | status.Dirty
	}
	return r.store.Status(*r.sk)
}

// Is tests any bit in mask against the record's current status.
func (r *Record) Is(mask status.Status) bool {
	return r.Status().Is(mask)
}

// Get reads attribute property from the record's current data.
func (r *Record) Get(property string) interface{} {
	if !r.IsSaved() {
		return r.localData[property]
	}
	return r.store.Data(*r.sk)[property]
}

// Set writes a single attribute, validating it first. The write still applies even if validation
// fails; call ErrorForAttribute to inspect failures.
func (r *Record) Set(property string, value interface{}) error {
	return r.SetAll(map[string]interface{}{property: value})
}

// SetAll writes a patch of attributes in one step.
func (r *Record) SetAll(patch map[string]interface{}) error {
	if !r.IsSaved() {
		for k, v := range patch {
			r.localData[k] = v
		}
		return nil
	}
	return r.store.UpdateData(*r.sk, patch, true)
}

// ErrorForAttribute runs the attribute's validator, if any, against its current value.
func (r *Record) ErrorForAttribute(property string) error {
	attr, ok := r.typ.AttributeByProperty(property)
	if !ok || attr.Validate == nil {
		return nil
	}
	return attr.Validate(r.Get(property), property, r)
}

// IsValid reports whether every attribute with a validator currently passes it.
func (r *Record) IsValid() bool {
	for _, attr := range r.typ.Attributes() {
		if attr.Validate == nil {
			continue
		}
		if err := attr.Validate(r.Get(attr.propertyKey()), attr.propertyKey(), r); err != nil {
			return false
		}
	}
	return true
}

// SaveToStore migrates an unsaved record into its store, filling defaults for any attribute the
// caller did not set, transitioning it to Ready|New|Dirty.
func (r *Record) SaveToStore(store Accessor) error {
	if r.IsSaved() {
		return fmt.Errorf("record: saveToStore called on a record already saved as %s", *r.sk)
	}
	for k, v := range r.typ.DefaultsForMissing(r.localData) {
		if _, present := r.localData[k]; !present {
			r.localData[k] = v
		}
	}
	sk, err := store.SaveNew(r.typ, r.accountID, r.localData)
	if err != nil {
		return err
	}
	r.store = store
	*r.sk = sk
	r.localData = nil
	return nil
}

// DiscardChanges reverts uncommitted local changes. If the record is Ready|New|Dirty as a whole
// (i.e. it has never been committed), discarding destroys it outright; otherwise it reverts data
// to the last committed snapshot.
func (r *Record) DiscardChanges() error {
	if !r.IsSaved() {
		return fmt.Errorf("record: discardChanges called on an unsaved record")
	}
	return r.store.DiscardChanges(*r.sk)
}

// Fetch requests a (re)fetch, a no-op for New, Destroyed or NonExistent records.
func (r *Record) Fetch() error {
	if !r.IsSaved() {
		return nil
	}
	if r.Is(status.New | status.Destroyed | status.NonExistent) {
		return nil
	}
	return r.store.Fetch(*r.sk)
}

// Destroy delegates to the store if the record is still editable.
func (r *Record) Destroy() error {
	if !r.IsSaved() {
		return nil
	}
	if r.Is(status.Destroyed) {
		return nil
	}
	return r.store.Destroy(*r.sk)
}

// Clone deep-copies the record's syncable attributes into a new record in target, translating
// cross-store foreign-key references via the target store's doppelganger resolution.
func (r *Record) Clone(target Accessor) (*Record, error) {
	if !r.IsSaved() {
		return nil, fmt.Errorf("record: clone called on an unsaved record")
	}
	newSk, err := r.store.Clone(*r.sk, target)
	if err != nil {
		return nil, err
	}
	sk := newSk
	return bind(target, r.typ, &sk), nil
}

// GetResult returns a Future that resolves the next time this record leaves Loading/Committing.
func (r *Record) GetResult(handledErrorTypes ...string) *Future {
	if !r.IsSaved() {
		f := NewFuture()
		f.Resolve(nil)
		return f
	}
	return r.store.Await(*r.sk, handledErrorTypes)
}

// IfSuccess is an alias for GetResult kept for readability at call sites that only care about the
// success path.
func (r *Record) IfSuccess(handledErrorTypes ...string) *Future {
	return r.GetResult(handledErrorTypes...)
}

// IfLoaded returns an already-resolved Future if the record is Ready now, otherwise behaves like
// GetResult.
func (r *Record) IfLoaded(handledErrorTypes ...string) *Future {
	if r.Is(status.Ready) && !r.Is(status.Loading|status.Committing) {
		f := NewFuture()
		f.Resolve(nil)
		return f
	}
	return r.GetResult(handledErrorTypes...)
}
