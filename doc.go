// Package confine keeps values on the goroutine that created them while
// still letting their handles travel between goroutines.
//
// Some values are only valid on one thread of control: C handles bound to
// the creating OS thread, GUI objects, non-thread-safe caches. Go cannot
// express that in the type system, so confine checks it at run time. Every
// wrapper records its origin goroutine when constructed and compares it on
// every access.
//
// # Wrappers
//
// [Fragile] is strict. Accessing its value anywhere but on the origin
// goroutine returns [ErrWrongThread]; destroying it anywhere else panics with
// a [*ViolationError] wrapping [ErrWrongThreadDestruction], and the value's
// destructor does not run.
//
// [Sticky] is lenient. Accessors behave like Fragile's, but an off-goroutine
// Drop never fails: the value is handed to the origin goroutine's registry
// and destroyed there, either eagerly when the origin drops the wrapper again
// or when the origin goroutine tears down.
//
// # Goroutine lifecycle
//
// Go has no hook for goroutine exit, so registries are torn down explicitly.
// Start goroutines that own Sticky values with [Go] or [GoLocked], wrap main
// with [Run], or call [Teardown] before the goroutine returns:
//
//	confine.Go(func() {
//		confine.WithToken(func(tok confine.StackToken) {
//			win := confine.NewSticky(openWindow(), tok)
//			handles <- win // another goroutine may Drop it safely
//		})
//	})
//
// Registries of goroutines that exit without teardown are reclaimed by
// [Sweep] (or the background [StartSweeper]). Their values are leaked, not
// destroyed: the only goroutine that could destroy them safely is gone.
//
// # Destructors
//
// A wrapper's destructor is the function passed to NewFragileFunc or
// NewStickyFunc. Without one, a value implementing [Dropper] is dropped with
// Drop and a value implementing io.Closer is closed; other values have no
// destructor.
//
// # Configuration
//
// The library reads CONFINE_* environment variables at start-up (see
// [Config]); [Configure] replaces the settings at run time.
package confine
