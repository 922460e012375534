// Copyright 2025 The confine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package confine

import (
	"fmt"
	"sync"

	"github.com/kolkov/confine/internal/confine/report"
	"github.com/kolkov/confine/internal/confine/stackdepot"
	"github.com/kolkov/confine/internal/confine/sticky"
	"github.com/kolkov/confine/internal/confine/threadid"
	"github.com/kolkov/confine/internal/observability"
)

type stickyState uint8

const (
	stateInline stickyState = iota
	stateRegistered
	stateReleased
)

// Sticky confines a value to the goroutine that created it, like Fragile,
// but tolerates being dropped anywhere.
//
// Dropped off the origin goroutine, the value moves into the origin's
// registry and its destructor runs later on the origin: when the origin
// drops the wrapper again, or when the origin tears its registry down. If
// the origin has already torn down, the value is leaked.
type Sticky[T any] struct {
	origin  threadid.ID
	created uint64
	destroy func(T)

	mu    sync.Mutex
	state stickyState
	value T
	token sticky.Token
}

// NewSticky wraps v on the calling goroutine. tok must be a live token of
// the calling goroutine; NewSticky panics otherwise.
func NewSticky[T any](v T, tok StackToken) *Sticky[T] {
	return newSticky(v, destructorFor(v), tok)
}

// NewStickyFunc wraps v with an explicit destructor. destroy may be nil.
func NewStickyFunc[T any](v T, destroy func(T), tok StackToken) *Sticky[T] {
	return newSticky(v, destroy, tok)
}

func newSticky[T any](v T, destroy func(T), tok StackToken) *Sticky[T] {
	if tok.state() == nil {
		panic(fmt.Errorf("confine: NewSticky[%s]: %w", typeName[T](), ErrNoScope))
	}
	return &Sticky[T]{
		origin:  threadid.Current(),
		created: stackdepot.Capture(2),
		destroy: destroy,
		value:   v,
	}
}

// Origin returns the goroutine the value is confined to.
func (s *Sticky[T]) Origin() GoroutineID {
	return s.origin
}

// IsValid reports whether the value is accessible from the calling
// goroutine.
func (s *Sticky[T]) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateInline && threadid.Current() == s.origin
}

// IsRegistered reports whether an off-goroutine Drop has moved the value
// into the origin's registry.
func (s *Sticky[T]) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRegistered
}

// checkLocked is called with s.mu held.
func (s *Sticky[T]) checkLocked() error {
	if s.state != stateInline {
		return ErrReleased
	}
	if threadid.Current() != s.origin {
		observability.M().IncViolation(observability.KindAccess)
		v := newViolation(ErrWrongThread, report.OpAccess, typeName[T](), s.origin, s.created)
		observability.Logger().Debug().Err(v).Msg("confinement violation")
		return v
	}
	return nil
}

// TryGet returns the value, or ErrWrongThread off the origin goroutine.
// The registry is never consulted: a dropped wrapper returns ErrReleased.
func (s *Sticky[T]) TryGet() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Get is like TryGet but panics on error.
func (s *Sticky[T]) Get() T {
	v, err := s.TryGet()
	if err != nil {
		panic(err)
	}
	return v
}

// TryGetMut returns a pointer to the value, or ErrWrongThread off the
// origin goroutine. The pointer must not leave the origin goroutine.
func (s *Sticky[T]) TryGetMut() (*T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	return &s.value, nil
}

// GetMut is like TryGetMut but panics on error.
func (s *Sticky[T]) GetMut() *T {
	p, err := s.TryGetMut()
	if err != nil {
		panic(err)
	}
	return p
}

// Do calls fn with a pointer to the value when on the origin goroutine.
func (s *Sticky[T]) Do(fn func(*T) error) error {
	p, err := s.TryGetMut()
	if err != nil {
		return err
	}
	return fn(p)
}

// TryIntoInner unwraps the value without running its destructor. Off the
// origin goroutine it returns ErrWrongThread and leaves s intact.
func (s *Sticky[T]) TryIntoInner() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if err := s.checkLocked(); err != nil {
		return zero, err
	}
	v := s.value
	s.value = zero
	s.state = stateReleased
	return v, nil
}

// IntoInner is like TryIntoInner but panics on error.
func (s *Sticky[T]) IntoInner() T {
	v, err := s.TryIntoInner()
	if err != nil {
		panic(err)
	}
	return v
}

// Drop destroys the value. It never panics on the wrong goroutine.
//
// On the origin an inline value is destroyed at once, and a value parked in
// the registry by an earlier off-goroutine Drop is taken back and destroyed.
// Elsewhere the value is handed to the origin's registry without running
// its destructor.
func (s *Sticky[T]) Drop() {
	onOrigin := threadid.Current() == s.origin

	s.mu.Lock()
	switch s.state {
	case stateReleased:
		s.mu.Unlock()

	case stateInline:
		v := s.value
		var zero T
		s.value = zero

		switch {
		case onOrigin:
			s.state = stateReleased
			s.mu.Unlock()
			if s.destroy != nil {
				s.destroy(v)
				observability.M().AddDestroyed(observability.PathInline, 1)
			}

		case s.destroy == nil:
			// Nothing to run on the origin.
			s.state = stateReleased
			s.mu.Unlock()

		default:
			t, ok := sticky.Handoff(s.origin, entryFor(v, s.destroy, s.origin, s.created))
			if ok {
				s.state = stateRegistered
				s.token = t
			} else {
				s.state = stateReleased
			}
			s.mu.Unlock()
			if !ok {
				s.leak()
			}
		}

	case stateRegistered:
		if !onOrigin {
			s.mu.Unlock()
			return
		}
		t := s.token
		s.token = sticky.Token{}
		s.state = stateReleased
		s.mu.Unlock()

		// Teardown may have run the entry already; then Take reports it
		// absent.
		if e, ok := sticky.Take(t); ok {
			e.Run()
			observability.M().AddDestroyed(observability.PathEager, 1)
		}
	}
}

func (s *Sticky[T]) leak() {
	observability.M().AddLeaked(observability.ReasonOwnerGone, 1)
	ev := observability.Logger().Warn().
		Str("type", typeName[T]()).
		Str("origin", s.origin.String()).
		Str("current", threadid.Current().String())
	if at := stackdepot.Get(s.created).Caller(); at != "" {
		ev = ev.Str("created_at", at)
	}
	ev.Msg("origin goroutine has no registry; leaking value")
}

// String describes the wrapper without touching the value off-goroutine.
func (s *Sticky[T]) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == stateRegistered:
		return "Sticky(<registered " + s.token.String() + ">)"
	case s.state == stateReleased:
		return "Sticky(<released>)"
	case threadid.Current() != s.origin:
		return "Sticky(<invalid thread>)"
	default:
		return fmt.Sprintf("Sticky(%v)", s.value)
	}
}
