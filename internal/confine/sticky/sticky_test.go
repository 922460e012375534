package sticky

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/confine/internal/confine/registry"
	"github.com/kolkov/confine/internal/confine/threadid"
)

// run executes fn on a fresh goroutine and waits for it.
func run(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
}

// counted returns an entry whose destructor increments n.
func counted(n *atomic.Int32) registry.Entry {
	return registry.Entry{
		Value:   "resource",
		Destroy: func(any) { n.Add(1) },
		Origin:  threadid.Current(),
	}
}

// TestCurrentPerGoroutine tests lazy creation and per-goroutine isolation.
func TestCurrentPerGoroutine(t *testing.T) {
	run(func() {
		s := Current()
		assert.Same(t, s, Current())
		assert.Equal(t, threadid.Current(), s.ID())

		var other *State
		run(func() {
			other = Current()
			defer Teardown(PolicyDestroy)
		})
		assert.NotSame(t, s, other)
		Teardown(PolicyDestroy)
	})
}

// TestRegisterRequiresScope tests the stack token discipline.
func TestRegisterRequiresScope(t *testing.T) {
	run(func() {
		defer Teardown(PolicyDestroy)
		s := Current()

		_, err := s.Register(registry.Entry{Value: 1})
		require.ErrorIs(t, err, ErrNoScope)

		require.NoError(t, s.Acquire())
		tok, err := s.Register(registry.Entry{Value: 1})
		require.NoError(t, err)
		assert.False(t, tok.Deferred)
		assert.Equal(t, s.ID(), tok.Owner)
		s.Release()
		assert.Equal(t, 0, s.Scopes())

		// Extra releases are harmless.
		s.Release()
		assert.Equal(t, 0, s.Scopes())
	})
}

// TestTakeAtMostOnce tests that a token resolves exactly once.
func TestTakeAtMostOnce(t *testing.T) {
	run(func() {
		defer Teardown(PolicyDestroy)
		s := Current()
		require.NoError(t, s.Acquire())
		defer s.Release()

		tok, err := s.Register(registry.Entry{Value: "v"})
		require.NoError(t, err)

		e, ok := Take(tok)
		require.True(t, ok)
		assert.Equal(t, "v", e.Value)

		_, ok = Take(tok)
		assert.False(t, ok)
		_, ok = Take(Token{})
		assert.False(t, ok)
	})
}

// TestForeignGoroutineCannotTouchState tests owner-only operations.
func TestForeignGoroutineCannotTouchState(t *testing.T) {
	run(func() {
		defer Teardown(PolicyDestroy)
		s := Current()
		require.NoError(t, s.Acquire())
		defer s.Release()

		tok, err := s.Register(registry.Entry{Value: "v"})
		require.NoError(t, err)

		run(func() {
			require.ErrorIs(t, s.Acquire(), ErrNotOwner)
			_, err := s.Register(registry.Entry{Value: "x"})
			require.ErrorIs(t, err, ErrNotOwner)

			_, ok := s.Take(tok)
			assert.False(t, ok)
			_, ok = Take(tok)
			assert.False(t, ok)

			// Release from a foreign goroutine must not drop the owner's scope.
			s.Release()
		})
		assert.Equal(t, 1, s.Scopes())

		_, ok := Take(tok)
		assert.True(t, ok)
	})
}

// TestTokenScopedToOwner tests that a token never resolves in another
// goroutine's registry.
func TestTokenScopedToOwner(t *testing.T) {
	run(func() {
		defer Teardown(PolicyDestroy)
		s := Current()
		require.NoError(t, s.Acquire())
		defer s.Release()
		tok, err := s.Register(registry.Entry{Value: "mine"})
		require.NoError(t, err)

		run(func() {
			defer Teardown(PolicyDestroy)
			other := Current()
			require.NoError(t, other.Acquire())
			defer other.Release()
			_, err := other.Register(registry.Entry{Value: "theirs"})
			require.NoError(t, err)

			forged := Token{Owner: other.ID(), Key: tok.Key}
			e, ok := Take(forged)
			if ok {
				assert.NotEqual(t, "mine", e.Value)
			}
			_, ok = other.Take(tok)
			assert.False(t, ok)
		})
	})
}

// TestTokenFromEarlierRegistry tests that a token issued before Teardown
// never resolves in the registry the same goroutine creates afterwards.
func TestTokenFromEarlierRegistry(t *testing.T) {
	var firstDestroyed, secondDestroyed atomic.Int32

	run(func() {
		first := Current()
		require.NoError(t, first.Acquire())
		local, err := first.Register(counted(&firstDestroyed))
		require.NoError(t, err)
		first.Release()

		var deferred Token
		var ok bool
		run(func() { deferred, ok = Handoff(first.ID(), counted(&firstDestroyed)) })
		require.True(t, ok)

		assert.Equal(t, 1, Teardown(PolicyLeak).Registries)

		second := Current()
		require.NotSame(t, first, second)
		assert.Greater(t, second.Epoch(), first.Epoch())
		defer Teardown(PolicyDestroy)

		require.NoError(t, second.Acquire())
		newLocal, err := second.Register(counted(&secondDestroyed))
		require.NoError(t, err)
		second.Release()
		var newDeferred Token
		run(func() { newDeferred, ok = Handoff(second.ID(), counted(&secondDestroyed)) })
		require.True(t, ok)

		// Same goroutine and same keys, different registry.
		require.Equal(t, local.Key, newLocal.Key)
		require.Equal(t, deferred.Key, newDeferred.Key)

		_, ok = Take(local)
		assert.False(t, ok, "stale local token")
		_, ok = Take(deferred)
		assert.False(t, ok, "stale deferred token")

		localCount, deferredCount := second.Pending()
		assert.Equal(t, 1, localCount)
		assert.Equal(t, 1, deferredCount)

		_, ok = Take(newLocal)
		assert.True(t, ok)
		_, ok = Take(newDeferred)
		assert.True(t, ok)
	})

	assert.Zero(t, firstDestroyed.Load())
	assert.Zero(t, secondDestroyed.Load())
}

// TestHandoffAndEagerTake tests the foreign → owner transfer path.
func TestHandoffAndEagerTake(t *testing.T) {
	var destroyed atomic.Int32

	run(func() {
		defer Teardown(PolicyDestroy)
		owner := Current()
		entry := counted(&destroyed)

		var tok Token
		var ok bool
		run(func() {
			tok, ok = Handoff(owner.ID(), entry)
		})
		require.True(t, ok)
		assert.True(t, tok.Deferred)
		assert.Equal(t, int32(0), destroyed.Load())

		local, deferred := owner.Pending()
		assert.Equal(t, 0, local)
		assert.Equal(t, 1, deferred)

		e, ok := Take(tok)
		require.True(t, ok)
		e.Run()
		assert.Equal(t, int32(1), destroyed.Load())

		_, ok = Take(tok)
		assert.False(t, ok)
	})

	assert.Equal(t, int32(1), destroyed.Load())
}

// TestHandoffWithoutRegistry tests handoff to a goroutine with no registry.
func TestHandoffWithoutRegistry(t *testing.T) {
	var id threadid.ID
	run(func() { id = threadid.Current() })

	_, ok := Handoff(id, registry.Entry{Value: 1})
	assert.False(t, ok)
}

// TestTeardownDestroysEverything tests normal thread exit.
func TestTeardownDestroysEverything(t *testing.T) {
	var destroyed atomic.Int32
	var stats Stats

	run(func() {
		s := Current()
		require.NoError(t, s.Acquire())
		for i := 0; i < 3; i++ {
			_, err := s.Register(counted(&destroyed))
			require.NoError(t, err)
		}
		s.Release()

		id := s.ID()
		run(func() {
			_, ok := Handoff(id, counted(&destroyed))
			require.True(t, ok)
		})

		stats = Teardown(PolicyDestroy)

		_, ok := Lookup(id)
		assert.False(t, ok)
		assert.True(t, s.Closed())

		// Idempotent.
		assert.Equal(t, Stats{}, Teardown(PolicyDestroy))

		// Handoff after teardown is refused.
		run(func() {
			_, ok := Handoff(id, counted(&destroyed))
			assert.False(t, ok)
		})

		// A later use starts a fresh registry.
		assert.NotSame(t, s, Current())
		Teardown(PolicyDestroy)
	})

	assert.Equal(t, Stats{Destroyed: 4, Registries: 1}, stats)
	assert.Equal(t, int32(4), destroyed.Load())
}

// TestTeardownLeakPolicy tests abnormal exit handling.
func TestTeardownLeakPolicy(t *testing.T) {
	var destroyed atomic.Int32
	var stats Stats

	run(func() {
		s := Current()
		require.NoError(t, s.Acquire())
		_, err := s.Register(counted(&destroyed))
		require.NoError(t, err)
		s.Release()
		stats = Teardown(PolicyLeak)
	})

	assert.Equal(t, Stats{Leaked: 1, Registries: 1}, stats)
	assert.Equal(t, int32(0), destroyed.Load())
}

// TestTeardownWithScopeHeldLeaks tests that an outstanding stack token
// forces the leak policy.
func TestTeardownWithScopeHeldLeaks(t *testing.T) {
	var destroyed atomic.Int32
	var stats Stats

	run(func() {
		s := Current()
		require.NoError(t, s.Acquire())
		_, err := s.Register(counted(&destroyed))
		require.NoError(t, err)
		stats = Teardown(PolicyDestroy)

		_, err = s.Register(counted(&destroyed))
		assert.ErrorIs(t, err, ErrTornDown)
		assert.ErrorIs(t, s.Acquire(), ErrTornDown)
	})

	assert.Equal(t, 1, stats.Leaked)
	assert.Equal(t, int32(0), destroyed.Load())
}

// TestTeardownPanickingDestructor tests that one bad destructor does not
// stop the rest.
func TestTeardownPanickingDestructor(t *testing.T) {
	var destroyed atomic.Int32
	var recovered any

	run(func() {
		defer func() { recovered = recover() }()

		s := Current()
		require.NoError(t, s.Acquire())
		_, err := s.Register(registry.Entry{Value: 1, Destroy: func(any) { panic("boom") }})
		require.NoError(t, err)
		_, err = s.Register(counted(&destroyed))
		require.NoError(t, err)
		s.Release()

		Teardown(PolicyDestroy)
	})

	assert.Equal(t, "boom", recovered)
	assert.Equal(t, int32(1), destroyed.Load())
}

// TestSweepAbandonsDeadGoroutines tests reclamation of registries whose
// goroutine exited without teardown.
func TestSweepAbandonsDeadGoroutines(t *testing.T) {
	var destroyed atomic.Int32
	var dead threadid.ID

	run(func() {
		s := Current()
		dead = s.ID()
		require.NoError(t, s.Acquire())
		_, err := s.Register(counted(&destroyed))
		require.NoError(t, err)
		s.Release()
	})

	// Handoff to a dead-but-unswept goroutine still succeeds; the value
	// joins the others in being abandoned.
	_, ok := Handoff(dead, counted(&destroyed))
	require.True(t, ok)

	stop := make(chan struct{})
	aliveID := make(chan threadid.ID)
	go func() {
		Current()
		aliveID <- threadid.Current()
		<-stop
		Teardown(PolicyDestroy)
	}()
	alive := <-aliveID
	defer close(stop)

	require.Eventually(t, func() bool {
		Sweep()
		_, ok := Lookup(dead)
		return !ok
	}, time.Second, time.Millisecond)

	_, ok = Lookup(alive)
	assert.True(t, ok, "sweep closed a live goroutine's registry")
	assert.Equal(t, int32(0), destroyed.Load())
}

// TestSnapshot tests diagnostic listing.
func TestSnapshot(t *testing.T) {
	run(func() {
		defer Teardown(PolicyDestroy)
		s := Current()
		require.NoError(t, s.Acquire())
		defer s.Release()
		_, err := s.Register(registry.Entry{Value: 1})
		require.NoError(t, err)

		var found bool
		for _, info := range Snapshot() {
			if info.Goroutine == s.ID() {
				found = true
				assert.Equal(t, 1, info.Local)
				assert.Equal(t, s.Backend(), info.Backend)
			}
		}
		assert.True(t, found)
	})
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "destroy", PolicyDestroy.String())
	assert.Equal(t, "leak", PolicyLeak.String())
	assert.Equal(t, "unknown", Policy(9).String())
}

func TestTokenString(t *testing.T) {
	assert.Equal(t, "deferred:3@7", Token{Owner: 7, Key: 3, Deferred: true}.String())
	assert.Equal(t, "local:1@2", Token{Owner: 2, Key: 1}.String())
	assert.True(t, Token{}.IsZero())
}
