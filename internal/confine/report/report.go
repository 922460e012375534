// Package report formats confinement violation reports.
//
// The layout follows the runtime's own race reports so the two read alike
// in a log:
//
//	==================
//	WARNING: CONFINEMENT VIOLATION
//	Destruction of *os.File owned by goroutine 7 attempted on goroutine 12 (os thread 40211):
//	  main.closeLater()
//	      /path/to/main.go:31
//
//	Value created by goroutine 7 at:
//	  main.openWindow()
//	      /path/to/main.go:12
//	==================
package report

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/kolkov/confine/internal/confine/stackdepot"
	"github.com/kolkov/confine/internal/confine/threadid"
)

// Operation names used in reports.
const (
	OpAccess      = "Access"
	OpDestruction = "Destruction"
)

// maxStackDepth is the maximum number of frames captured at the violation.
const maxStackDepth = 32

// Violation describes one off-goroutine operation on a confined value.
type Violation struct {
	// Op is OpAccess or OpDestruction.
	Op string

	// Type is the Go type of the confined value.
	Type string

	// Origin is the goroutine that owns the value.
	Origin threadid.ID

	// Current is the goroutine that attempted the operation.
	Current threadid.ID

	// OSThread is the kernel thread running Current, -1 if unknown.
	OSThread int

	// Created is the stackdepot hash of the construction site.
	Created uint64

	// Stack holds the program counters of the violating call.
	Stack []uintptr
}

// New builds a Violation for the caller's caller, capturing its stack.
//
// skip counts extra frames above New's caller to omit.
func New(op, typ string, origin threadid.ID, created uint64, skip int) *Violation {
	pcs := make([]uintptr, maxStackDepth)
	// +2 skips runtime.Callers and New.
	n := runtime.Callers(skip+2, pcs)
	return &Violation{
		Op:       op,
		Type:     typ,
		Origin:   origin,
		Current:  threadid.Current(),
		OSThread: threadid.OSThread(),
		Created:  created,
		Stack:    pcs[:n],
	}
}

// Format writes the report to w.
//
//nolint:errcheck // Error handling omitted for stderr output formatting
func (v *Violation) Format(w io.Writer) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "WARNING: CONFINEMENT VIOLATION\n")

	fmt.Fprintf(w, "%s of %s owned by goroutine %s attempted on goroutine %s", v.Op, v.Type, v.Origin, v.Current)
	if v.OSThread >= 0 {
		fmt.Fprintf(w, " (os thread %d)", v.OSThread)
	}
	fmt.Fprintf(w, ":\n")
	fmt.Fprint(w, formatStack(v.Stack))
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "Value created by goroutine %s at:\n", v.Origin)
	if t := stackdepot.Get(v.Created); t != nil {
		fmt.Fprint(w, t.Format())
	} else {
		fmt.Fprintf(w, "  (construction site not captured)\n")
	}

	fmt.Fprintf(w, "==================\n")
}

// String returns the formatted report.
func (v *Violation) String() string {
	var buf strings.Builder
	v.Format(&buf)
	return buf.String()
}

// CreatedAt returns the first visible frame of the construction site, or "".
func (v *Violation) CreatedAt() string {
	return stackdepot.Get(v.Created).Caller()
}

func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return "  (no stack trace captured)\n"
	}

	frames := runtime.CallersFrames(pcs)
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if !stackdepot.Hidden(frame) && !strings.HasPrefix(frame.Function, "testing.") {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  (all frames filtered)\n"
	}
	return buf.String()
}
