// Package observe exposes storage-layer events to a monitoring backend.
// The storage packages call the Observer hooks on their hot paths; wiring a
// backend is optional and the default is a no-op.
package observe

// Observer receives storage events. Implementations must be safe for
// concurrent use.
type Observer interface {
	// LeaseAcquired fires when a conversation lease is taken, created
	// reports whether the record was made on this acquisition.
	LeaseAcquired(pageID string, created bool)
	// LockConflict fires when an acquisition loses to an unexpired lease.
	LockConflict(pageID string)
	// StateSaved fires on every successful save/release.
	StateSaved(pageID string)
	// PageServed fires per listing page, rows is the row count returned.
	PageServed(pageID string, rows int)
	// TokenIssued fires when a token create attempt persists a new value.
	TokenIssued(pageID string)
}

// Nop is an Observer that discards every event.
type Nop struct{}

func (Nop) LeaseAcquired(string, bool) {}
func (Nop) LockConflict(string)        {}
func (Nop) StateSaved(string)          {}
func (Nop) PageServed(string, int)     {}
func (Nop) TokenIssued(string)         {}
