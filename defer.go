package confine

import (
	"sync/atomic"

	"github.com/kolkov/confine/internal/confine/stackdepot"
	"github.com/kolkov/confine/internal/confine/sticky"
	"github.com/kolkov/confine/internal/confine/threadid"
	"github.com/kolkov/confine/internal/observability"
)

// Deferred is a value parked in its goroutine's registry. The registry
// destroys it at teardown unless it is taken back first.
type Deferred[T any] struct {
	token sticky.Token
	done  atomic.Bool
}

// Defer parks v in the calling goroutine's registry. Its destructor (destroy,
// or the default one when nil) runs when the goroutine tears down, unless
// Take or Run claims the value earlier.
//
// Defer fails with ErrNoScope when tok is not a live token of the calling
// goroutine.
func Defer[T any](tok StackToken, v T, destroy func(T)) (*Deferred[T], error) {
	st := tok.state()
	if st == nil {
		return nil, ErrNoScope
	}
	if destroy == nil {
		destroy = destructorFor(v)
	}
	t, err := st.Register(entryFor(v, destroy, st.ID(), stackdepot.Capture(1)))
	if err != nil {
		return nil, err
	}
	return &Deferred[T]{token: t}, nil
}

// Take removes the value from the registry without destroying it. It
// succeeds at most once, and only on the goroutine that called Defer.
func (d *Deferred[T]) Take() (T, bool) {
	var zero T
	if d.done.Load() || threadid.Current() != d.token.Owner {
		return zero, false
	}
	e, ok := sticky.Take(d.token)
	if !ok {
		return zero, false
	}
	d.done.Store(true)
	// A nil interface value does not survive boxing; it comes back as zero.
	v, _ := e.Value.(T)
	return v, true
}

// Run takes the value and destroys it now. It reports whether it did.
func (d *Deferred[T]) Run() bool {
	if d.done.Load() || threadid.Current() != d.token.Owner {
		return false
	}
	e, ok := sticky.Take(d.token)
	if !ok {
		return false
	}
	d.done.Store(true)
	if e.NeedsDestroy() {
		e.Run()
		observability.M().AddDestroyed(observability.PathEager, 1)
	}
	return true
}
