// Package storekey defines the opaque, process-unique identity token minted for every
// (account, type, id) tuple the store has ever seen, plus the generator that mints it.
package storekey

import "github.com/google/uuid"

// Key is an opaque, process-unique handle for a record. It is stable for the life of the process
// and never reused, even after the record it named has been destroyed and unloaded.
type Key string

// Zero is the distinguished empty key, returned where "no storeKey" needs to be represented.
const Zero Key = ""

// IsZero reports whether k is the distinguished empty key.
func (k Key) IsZero() bool {
	return k == Zero
}

// String renders k for diagnostics.
func (k Key) String() string {
	return string(k)
}

// Generator mints new, process-unique Keys. The zero value is ready to use.
//
// Keys are minted with a real UUID rather than a simple counter so that they remain opaque: a
// caller should never be tempted to parse structure out of a storeKey the way they might out of
// an incrementing integer.
type Generator struct{}

// New mints a fresh Key.
func (Generator) New() Key {
	return Key(uuid.NewString())
}
