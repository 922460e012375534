package confine

import (
	"errors"
	"fmt"

	"github.com/kolkov/confine/internal/confine/report"
	"github.com/kolkov/confine/internal/confine/sticky"
	"github.com/kolkov/confine/internal/confine/threadid"
)

// Sentinel errors. Use errors.Is to match them; violations arrive wrapped
// in a *ViolationError.
var (
	// ErrWrongThread is returned by accessors called off the origin
	// goroutine.
	ErrWrongThread = errors.New("confine: value accessed off its origin goroutine")

	// ErrWrongThreadDestruction is the panic cause of a Fragile dropped off
	// its origin goroutine.
	ErrWrongThreadDestruction = errors.New("confine: value destroyed off its origin goroutine")

	// ErrReleased is returned by accessors once the value has been dropped,
	// unwrapped, or handed to a registry.
	ErrReleased = errors.New("confine: value already released")

	// ErrNoScope is returned when a registration is attempted without a live
	// StackToken of the calling goroutine.
	ErrNoScope = sticky.ErrNoScope

	// ErrTornDown is returned when the calling goroutine's registry has been
	// torn down.
	ErrTornDown = sticky.ErrTornDown
)

// GoroutineID identifies a goroutine. IDs are never reused within a process.
type GoroutineID = threadid.ID

// CurrentGoroutine returns the ID of the calling goroutine.
func CurrentGoroutine() GoroutineID {
	return threadid.Current()
}

// ViolationError describes an operation attempted off the origin goroutine.
type ViolationError struct {
	// Kind is ErrWrongThread or ErrWrongThreadDestruction.
	Kind error

	// Type is the Go type of the confined value.
	Type string

	// Origin owns the value; Current attempted the operation.
	Origin  GoroutineID
	Current GoroutineID

	// CreatedAt is the construction site ("function file:line"), empty when
	// stack capture is disabled.
	CreatedAt string

	report *report.Violation
}

// Error implements error.
func (e *ViolationError) Error() string {
	msg := fmt.Sprintf("%v: %s owned by goroutine %s, called on goroutine %s", e.Kind, e.Type, e.Origin, e.Current)
	if e.CreatedAt != "" {
		msg += " (created at " + e.CreatedAt + ")"
	}
	return msg
}

// Unwrap returns Kind.
func (e *ViolationError) Unwrap() error {
	return e.Kind
}

// Report returns the multi-line violation report, including both stacks.
func (e *ViolationError) Report() string {
	if e.report == nil {
		return e.Error()
	}
	return e.report.String()
}

func newViolation(kind error, op, typ string, origin GoroutineID, created uint64) *ViolationError {
	// Library frames are filtered when the report is formatted.
	v := report.New(op, typ, origin, created, 2)
	return &ViolationError{
		Kind:      kind,
		Type:      typ,
		Origin:    origin,
		Current:   v.Current,
		CreatedAt: v.CreatedAt(),
		report:    v,
	}
}
