package confine

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/kolkov/confine/internal/confine/sticky"
	"github.com/kolkov/confine/internal/confine/threadid"
	"github.com/kolkov/confine/internal/observability"
)

// StackToken proves that the calling goroutine's registry is alive. Sticky
// construction and Defer require one.
//
// A token belongs to the goroutine that entered it and must be released on
// that goroutine, usually with defer.
type StackToken struct {
	scope *scope
}

// scope is shared by copies of a StackToken. state is immutable; released
// is written by the owner and may be read from any goroutine.
type scope struct {
	state    *sticky.State
	released atomic.Bool
}

// Enter acquires a StackToken for the calling goroutine, creating its
// registry on first use.
func Enter() StackToken {
	st := sticky.Current()
	if err := st.Acquire(); err != nil {
		// Current never returns a closed State to its owner.
		panic(err)
	}
	return StackToken{scope: &scope{state: st}}
}

// Release gives the token up. Releasing twice, or from another goroutine,
// does nothing.
func (t StackToken) Release() {
	if t.scope == nil || threadid.Current() != t.scope.state.ID() {
		return
	}
	if t.scope.released.Swap(true) {
		return
	}
	t.scope.state.Release()
}

// Valid reports whether t is live and belongs to the calling goroutine.
func (t StackToken) Valid() bool {
	return t.state() != nil
}

func (t StackToken) state() *sticky.State {
	if t.scope == nil {
		return nil
	}
	st := t.scope.state
	if st.ID() != threadid.Current() || t.scope.released.Load() || st.Closed() {
		return nil
	}
	return st
}

// WithToken runs fn with a StackToken held for its duration.
func WithToken(fn func(StackToken)) {
	tok := Enter()
	defer tok.Release()
	fn(tok)
}

// Stats summarizes a Teardown or Sweep.
type Stats = sticky.Stats

// Teardown destroys every value pending in the calling goroutine's registry
// and closes it. Later off-goroutine drops of Sticky values created here
// leak instead of deferring. Calling Teardown again is a no-op.
//
// If StackTokens are still held, pending values are leaked instead.
func Teardown() Stats {
	return sticky.Teardown(sticky.PolicyDestroy)
}

// Run calls fn on the calling goroutine and tears its registry down when fn
// returns.
//
// If fn panics, pending values are handled by the configured AbnormalExit
// policy (leak by default) and the panic continues.
func Run(fn func() error) (err error) {
	normal := false
	defer func() {
		if normal {
			sticky.Teardown(sticky.PolicyDestroy)
			return
		}
		r := recover()
		policy := active.Load().abnormal
		observability.Logger().Warn().
			Str("goroutine", threadid.Current().String()).
			Str("policy", policy.String()).
			Interface("panic", r).
			Msg("goroutine ended abnormally")
		abnormalTeardown(policy)
		if r != nil {
			panic(r)
		}
		// r == nil: runtime.Goexit is unwinding; let it continue.
	}()

	err = fn()
	normal = true
	return err
}

// abnormalTeardown tears down after a panic. A destructor panicking here is
// logged and dropped so the original panic is the one that continues.
func abnormalTeardown(policy sticky.Policy) {
	defer func() {
		if r := recover(); r != nil {
			observability.Logger().Error().
				Str("goroutine", threadid.Current().String()).
				Str("panic", fmt.Sprint(r)).
				Msg("destructor panicked during abnormal teardown")
		}
	}()
	sticky.Teardown(policy)
}

// Go starts fn in a new goroutine whose registry is torn down when fn
// returns.
func Go(fn func()) {
	go func() {
		_ = Run(func() error {
			fn()
			return nil
		})
	}()
}

// GoLocked is like Go but wires the goroutine to its OS thread for its
// whole life, so values confined to it are also confined to one OS thread.
func GoLocked(fn func()) {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		_ = Run(func() error {
			fn()
			return nil
		})
	}()
}

// Sweep reclaims the registries of goroutines that exited without a
// teardown. Their values are leaked.
func Sweep() Stats {
	return sticky.Sweep()
}

// StartSweeper runs Sweep every interval until ctx is cancelled. A
// non-positive interval uses the configured SweepInterval; if that is zero
// too, no sweeper is started.
func StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = active.Load().cfg.SweepInterval.Duration
	}
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sticky.Sweep()
			}
		}
	}()
}

// RegistryInfo describes one goroutine registry.
type RegistryInfo = sticky.Info

// Registries lists the open goroutine registries.
func Registries() []RegistryInfo {
	return sticky.Snapshot()
}
