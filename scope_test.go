package confine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/confine/internal/confine/sticky"
	"github.com/kolkov/confine/internal/confine/threadid"
)

func TestStackTokenLifecycle(t *testing.T) {
	defer Teardown()

	tok := Enter()
	assert.True(t, tok.Valid())
	assert.Equal(t, 1, sticky.Current().Scopes())

	onOther(func() {
		assert.False(t, tok.Valid())
		tok.Release()
	})
	assert.Equal(t, 1, sticky.Current().Scopes(), "foreign release is ignored")

	tok.Release()
	tok.Release()
	assert.False(t, tok.Valid())
	assert.Zero(t, sticky.Current().Scopes())

	assert.False(t, StackToken{}.Valid())
}

func TestStackTokenForeignReadsDuringRelease(t *testing.T) {
	defer Teardown()
	tok := Enter()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			assert.False(t, tok.Valid())
			_, err := Defer(tok, i, nil)
			assert.ErrorIs(t, err, ErrNoScope)
		}
	}()
	tok.Release()
	wg.Wait()

	assert.False(t, tok.Valid())
	assert.Zero(t, sticky.Current().Scopes())
}

func TestRunTearsDown(t *testing.T) {
	p := newProbe(1)
	done := make(chan error, 1)
	go func() {
		done <- Run(func() error {
			WithToken(func(tok StackToken) {
				_, err := Defer(tok, p, nil)
				assert.NoError(t, err)
			})
			return errors.New("result")
		})
	}()

	assert.EqualError(t, <-done, "result")
	assert.Equal(t, int32(1), p.drops.Load())
}

func TestRunPanicLeaksByDefault(t *testing.T) {
	withConfig(t, DefaultConfig())
	p := newProbe(1)

	r := onOther(func() {
		_ = Run(func() error {
			WithToken(func(tok StackToken) {
				_, _ = Defer(tok, p, nil)
			})
			panic("boom")
		})
	})
	assert.Equal(t, "boom", r)
	assert.Zero(t, p.drops.Load())
}

func TestRunPanicDestroysWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AbnormalExit = ExitDestroy
	withConfig(t, cfg)
	p := newProbe(1)

	r := onOther(func() {
		_ = Run(func() error {
			WithToken(func(tok StackToken) {
				_, _ = Defer(tok, p, nil)
			})
			panic("boom")
		})
	})
	assert.Equal(t, "boom", r)
	assert.Equal(t, int32(1), p.drops.Load())
}

func TestRunPanicSurvivesPanickingDestructor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AbnormalExit = ExitDestroy
	withConfig(t, cfg)
	p := newProbe(1)

	var owner GoroutineID
	r := onOther(func() {
		owner = CurrentGoroutine()
		_ = Run(func() error {
			WithToken(func(tok StackToken) {
				_, _ = Defer(tok, "bad", func(string) { panic("destructor") })
				_, _ = Defer(tok, p, nil)
			})
			panic("boom")
		})
	})

	assert.Equal(t, "boom", r, "the original panic continues")
	assert.Equal(t, int32(1), p.drops.Load(), "other destructors still run")
	_, open := sticky.Lookup(owner)
	assert.False(t, open)
}

func TestTeardownWithTokenHeldLeaks(t *testing.T) {
	p := newProbe(1)
	var stats Stats
	onOther(func() {
		tok := Enter()
		_, err := Defer(tok, p, nil)
		require.NoError(t, err)
		stats = Teardown()
		tok.Release()
	})

	assert.Equal(t, 1, stats.Leaked)
	assert.Zero(t, stats.Destroyed)
	assert.Zero(t, p.drops.Load())
}

func TestTeardownIdempotent(t *testing.T) {
	onOther(func() {
		WithToken(func(tok StackToken) {
			_, _ = Defer(tok, newProbe(1), nil)
		})
		assert.Equal(t, 1, Teardown().Destroyed)
		assert.Equal(t, Stats{}, Teardown())
	})
}

func TestGoLockedPinsThread(t *testing.T) {
	if threadid.OSThread() < 0 {
		t.Skip("OS thread ids unavailable on this platform")
	}

	done := make(chan [2]int, 1)
	GoLocked(func() {
		first := threadid.OSThread()
		for i := 0; i < 100; i++ {
			time.Sleep(time.Microsecond)
		}
		done <- [2]int{first, threadid.OSThread()}
	})
	ids := <-done
	assert.Equal(t, ids[0], ids[1])
}

func TestSweepReclaimsExitedGoroutines(t *testing.T) {
	p := newProbe(1)
	var owner GoroutineID
	onOther(func() {
		owner = CurrentGoroutine()
		WithToken(func(tok StackToken) {
			_, _ = Defer(tok, p, nil)
		})
		// Exits without teardown.
	})

	require.Eventually(t, func() bool {
		Sweep()
		_, open := sticky.Lookup(owner)
		return !open
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, p.drops.Load(), "swept values are leaked, never destroyed")
}

func TestStartSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartSweeper(ctx, 5*time.Millisecond)

	var owner GoroutineID
	onOther(func() {
		owner = CurrentGoroutine()
		WithToken(func(StackToken) {})
	})

	assert.Eventually(t, func() bool {
		_, open := sticky.Lookup(owner)
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartSweeperDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval.Duration = 0
	withConfig(t, cfg)

	assert.NotPanics(t, func() { StartSweeper(context.Background(), 0) })
}

func TestRegistries(t *testing.T) {
	defer Teardown()
	WithToken(func(tok StackToken) {
		_, err := Defer(tok, 1, func(int) {})
		require.NoError(t, err)
	})

	me := CurrentGoroutine()
	var found bool
	for _, info := range Registries() {
		if info.Goroutine == me {
			found = true
			assert.Equal(t, 1, info.Local)
			assert.Equal(t, GetInfo().Backend, info.Backend)
		}
	}
	assert.True(t, found)
}
