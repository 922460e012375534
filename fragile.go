// Copyright 2025 The confine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package confine

import (
	"fmt"
	"sync/atomic"

	"github.com/kolkov/confine/internal/confine/report"
	"github.com/kolkov/confine/internal/confine/stackdepot"
	"github.com/kolkov/confine/internal/confine/threadid"
	"github.com/kolkov/confine/internal/observability"
)

// Fragile confines a value to the goroutine that created it.
//
// The *Fragile handle may be sent anywhere. Accessors only succeed on the
// origin goroutine, and Drop panics anywhere else.
//
// A Fragile is not safe for simultaneous use: sending it to another
// goroutine transfers it.
type Fragile[T any] struct {
	origin  threadid.ID
	created uint64
	destroy func(T)

	released atomic.Bool
	value    T
}

// NewFragile wraps v on the calling goroutine. Its destructor is discovered
// from v (see Dropper).
func NewFragile[T any](v T) *Fragile[T] {
	return newFragile(v, destructorFor(v))
}

// NewFragileFunc wraps v with an explicit destructor. destroy may be nil.
func NewFragileFunc[T any](v T, destroy func(T)) *Fragile[T] {
	return newFragile(v, destroy)
}

func newFragile[T any](v T, destroy func(T)) *Fragile[T] {
	return &Fragile[T]{
		origin:  threadid.Current(),
		created: stackdepot.Capture(2),
		destroy: destroy,
		value:   v,
	}
}

// Origin returns the goroutine the value is confined to.
func (f *Fragile[T]) Origin() GoroutineID {
	return f.origin
}

// IsValid reports whether the value is accessible from the calling
// goroutine.
func (f *Fragile[T]) IsValid() bool {
	return !f.released.Load() && threadid.Current() == f.origin
}

func (f *Fragile[T]) check() error {
	if f.released.Load() {
		return ErrReleased
	}
	if threadid.Current() != f.origin {
		observability.M().IncViolation(observability.KindAccess)
		v := newViolation(ErrWrongThread, report.OpAccess, typeName[T](), f.origin, f.created)
		observability.Logger().Debug().Err(v).Msg("confinement violation")
		return v
	}
	return nil
}

// TryGet returns the value, or ErrWrongThread off the origin goroutine.
func (f *Fragile[T]) TryGet() (T, error) {
	if err := f.check(); err != nil {
		var zero T
		return zero, err
	}
	return f.value, nil
}

// Get is like TryGet but panics on error.
func (f *Fragile[T]) Get() T {
	v, err := f.TryGet()
	if err != nil {
		panic(err)
	}
	return v
}

// TryGetMut returns a pointer to the value, or ErrWrongThread off the
// origin goroutine. The pointer must not leave the origin goroutine.
func (f *Fragile[T]) TryGetMut() (*T, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return &f.value, nil
}

// GetMut is like TryGetMut but panics on error.
func (f *Fragile[T]) GetMut() *T {
	p, err := f.TryGetMut()
	if err != nil {
		panic(err)
	}
	return p
}

// Do calls fn with a pointer to the value when on the origin goroutine.
func (f *Fragile[T]) Do(fn func(*T) error) error {
	p, err := f.TryGetMut()
	if err != nil {
		return err
	}
	return fn(p)
}

// TryIntoInner unwraps the value without running its destructor. Off the
// origin goroutine it returns ErrWrongThread and leaves f intact, so the
// caller can retry on the right goroutine.
func (f *Fragile[T]) TryIntoInner() (T, error) {
	var zero T
	if err := f.check(); err != nil {
		return zero, err
	}
	if !f.released.CompareAndSwap(false, true) {
		return zero, ErrReleased
	}
	v := f.value
	f.value = zero
	return v, nil
}

// IntoInner is like TryIntoInner but panics on error.
func (f *Fragile[T]) IntoInner() T {
	v, err := f.TryIntoInner()
	if err != nil {
		panic(err)
	}
	return v
}

// Drop destroys the value on the origin goroutine. Dropping a released
// wrapper does nothing.
//
// Off the origin goroutine Drop panics with a *ViolationError wrapping
// ErrWrongThreadDestruction and the destructor does not run. The wrapper is
// left intact, so a recovered panic can be followed by a Drop on the origin.
func (f *Fragile[T]) Drop() {
	if f.released.Load() {
		return
	}
	if threadid.Current() != f.origin {
		observability.M().IncViolation(observability.KindDestruction)
		v := newViolation(ErrWrongThreadDestruction, report.OpDestruction, typeName[T](), f.origin, f.created)
		observability.Logger().Error().Err(v).
			Str("origin", f.origin.String()).
			Str("current", v.Current.String()).
			Msg("confinement violation")
		emitReport(v)
		panic(v)
	}

	if !f.released.CompareAndSwap(false, true) {
		return
	}
	v := f.value
	var zero T
	f.value = zero
	if f.destroy != nil {
		f.destroy(v)
		observability.M().AddDestroyed(observability.PathInline, 1)
	}
}

// String describes the wrapper without touching the value off-goroutine.
func (f *Fragile[T]) String() string {
	switch {
	case f.released.Load():
		return "Fragile(<released>)"
	case threadid.Current() != f.origin:
		return "Fragile(<invalid thread>)"
	default:
		return fmt.Sprintf("Fragile(%v)", f.value)
	}
}
