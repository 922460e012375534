package registry

import "github.com/kolkov/confine/internal/confine/threadid"

// Key identifies an entry inside one Backend. The zero Key is never issued.
type Key uint64

// Entry is a value plus the obligation to destroy it.
type Entry struct {
	// Value is the boxed value pending destruction.
	Value any

	// Destroy releases Value. Nil means the value needs no destruction.
	Destroy func(any)

	// Origin is the goroutine that created the value. It is the only
	// goroutine allowed to run Destroy.
	Origin threadid.ID

	// Stack is the stackdepot hash of the construction site, 0 if unknown.
	Stack uint64
}

// Run destroys the value. It must be called at most once per entry.
func (e Entry) Run() {
	if e.Destroy != nil {
		e.Destroy(e.Value)
	}
}

// NeedsDestroy reports whether Run has any effect.
func (e Entry) NeedsDestroy() bool {
	return e.Destroy != nil
}

// Backend is the storage contract shared by all registry implementations.
//
// Thread Safety: NOT safe for concurrent use. Owned by a single goroutine.
type Backend interface {
	// Insert stores e and returns a fresh key. Amortized O(1).
	Insert(e Entry) Key

	// Remove deletes and returns the entry for k. It returns false for a
	// key that was never issued or was already removed.
	Remove(k Key) (Entry, bool)

	// Len returns the number of stored entries.
	Len() int

	// Drain removes every entry, handing each to fn exactly once.
	Drain(fn func(Key, Entry))

	// Name identifies the implementation in diagnostics.
	Name() string
}
