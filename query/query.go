// Package query defines the small shared lifecycle/status shape every query type in this module
// (LocalQuery, WindowedQuery) embeds: an id, a status bitmask, and a change broadcaster, plus the
// registration hook that lets a Store track and later retrieve queries by id via
// AddQuery/RemoveQuery/GetQuery/GetAllQueries.
package query

import (
	"sync"
	"sync/atomic"

	"github.com/appcore/datastore/internal/broadcast"
	"github.com/appcore/datastore/status"
)

var nextID uint64

// NextID mints a process-unique, monotonically increasing query id, used when a caller does not
// supply one of its own.
func NextID() string {
	n := atomic.AddUint64(&nextID, 1)
	return "q" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Base is the common lifecycle every query embeds: an id, a reactive status, and a change
// broadcaster queries use to notify observers that their result array changed shape.
type Base struct {
	mu     sync.Mutex
	id     string
	status status.Status
	events *broadcast.Broadcaster[Event]

	destroyed bool
}

// Event is broadcast whenever a query's status or result changes.
type Event struct {
	// Kind distinguishes a status-only change from a result-array mutation.
	Kind EventKind
}

// EventKind distinguishes the different notifications a query fans out.
type EventKind int

const (
	// StatusChanged fires whenever the query's status bits change (e.g. OBSOLETE set/cleared).
	StatusChanged EventKind = iota
	// Updated fires whenever the query's result array changes shape.
	Updated
)

// NewBase creates a Base with the given id (or a freshly minted one if empty), an initial status
// with no bits set, and a ready-to-use event broadcaster.
func NewBase(id string) *Base {
	if id == "" {
		id = NextID()
	}
	return &Base{id: id, events: broadcast.New[Event]()}
}

// ID returns the query's id, satisfying store.Query.
func (b *Base) ID() string { return b.id }

// Status returns the query's current status bits.
func (b *Base) Status() status.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Is reports whether any bit in mask is set.
func (b *Base) Is(mask status.Status) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.Is(mask)
}

// SetStatus replaces the query's status bits wholesale and broadcasts StatusChanged if it
// actually changed.
func (b *Base) SetStatus(s status.Status) {
	b.mu.Lock()
	changed := b.status != s
	b.status = s
	b.mu.Unlock()
	if changed {
		b.events.Broadcast(Event{Kind: StatusChanged})
	}
}

// SetBits ORs mask into the status and broadcasts StatusChanged if that changed anything.
func (b *Base) SetBits(mask status.Status) {
	b.mu.Lock()
	before := b.status
	b.status = b.status.Set(mask)
	changed := before != b.status
	b.mu.Unlock()
	if changed {
		b.events.Broadcast(Event{Kind: StatusChanged})
	}
}

// ClearBits clears mask from the status and broadcasts StatusChanged if that changed anything.
func (b *Base) ClearBits(mask status.Status) {
	b.mu.Lock()
	before := b.status
	b.status = b.status.Clear(mask)
	changed := before != b.status
	b.mu.Unlock()
	if changed {
		b.events.Broadcast(Event{Kind: StatusChanged})
	}
}

// Events returns the broadcaster subscribers should listen to for status/result changes.
func (b *Base) Events() *broadcast.Broadcaster[Event] { return b.events }

// NotifyUpdated broadcasts an Updated event, used by embedders after mutating their result array.
func (b *Base) NotifyUpdated() {
	b.events.Broadcast(Event{Kind: Updated})
}

// MarkDestroyed records that Destroy has run, making IsDestroyed true and closing the event
// broadcaster so lingering listeners unblock. Idempotent.
func (b *Base) MarkDestroyed() {
	b.mu.Lock()
	already := b.destroyed
	b.destroyed = true
	b.mu.Unlock()
	if !already {
		b.events.Close()
	}
}

// IsDestroyed reports whether MarkDestroyed has run.
func (b *Base) IsDestroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}
