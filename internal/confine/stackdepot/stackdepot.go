// Package stackdepot records where confined values were created.
//
// A confinement violation is only actionable if the report says which call
// site produced the wrapper that ended up on the wrong goroutine. Capturing
// a full stack per wrapper would be expensive, so stacks are deduplicated:
// each unique stack is stored once in a global depot and wrappers keep only
// its 64-bit hash.
//
// Design:
//   - Fixed-size traces (MaxFrames program counters)
//   - FNV-1a hash of the PCs as the depot key
//   - sync.Map storage: lock-free reads, rare writes
//
// Usage:
//
//	hash := stackdepot.Capture(1)
//	// ... later, when reporting:
//	fmt.Print(stackdepot.Get(hash).Format())
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// MaxFrames is the maximum number of frames kept per trace. The top frames
// identify the construction site; deeper frames rarely help.
const MaxFrames = 8

// Frames of the library itself are hidden from reports: the public package
// and everything under internal/.
const (
	publicPrefix   = "github.com/kolkov/confine."
	internalPrefix = "github.com/kolkov/confine/internal/"
)

// Trace is a captured call stack.
type Trace struct {
	PC [MaxFrames]uintptr
	N  int
}

var (
	depot   sync.Map // uint64 (hash) -> *Trace
	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// SetEnabled turns capturing on or off. While off, Capture returns 0.
func SetEnabled(on bool) {
	enabled.Store(on)
}

// Enabled reports whether capturing is on.
func Enabled() bool {
	return enabled.Load()
}

// Capture records the caller's stack and returns its hash.
//
// skip counts frames above Capture's caller to omit: 0 starts the trace at
// the function calling Capture, 1 at its caller, and so on.
//
// Returns 0 when capturing is disabled or no frames are available.
//
// Thread Safety: Safe for concurrent calls.
func Capture(skip int) uint64 {
	if !enabled.Load() {
		return 0
	}

	var t Trace
	// +2 skips runtime.Callers and Capture itself.
	t.N = runtime.Callers(skip+2, t.PC[:])
	if t.N == 0 {
		return 0
	}

	hash := hashPCs(t.PC[:t.N])
	if _, exists := depot.Load(hash); !exists {
		depot.Store(hash, &t)
	}
	return hash
}

// Get returns the trace stored under hash, or nil.
func Get(hash uint64) *Trace {
	if hash == 0 {
		return nil
	}
	val, ok := depot.Load(hash)
	if !ok {
		return nil
	}
	return val.(*Trace)
}

func hashPCs(pcs []uintptr) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(b[:], uint64(pc))
		_, _ = h.Write(b[:])
	}
	return h.Sum64()
}

// Format renders the trace in the runtime's panic layout:
//
//	main.openWindow()
//	    /path/to/main.go:45
//
// Runtime frames and frames inside this module (other than tests) are
// skipped.
func (t *Trace) Format() string {
	if t == nil || t.N == 0 {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(t.PC[:t.N])

	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if !Hidden(frame) {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}

// Caller returns "function file:line" of the first visible frame, or "".
func (t *Trace) Caller() string {
	if t == nil || t.N == 0 {
		return ""
	}
	frames := runtime.CallersFrames(t.PC[:t.N])
	for {
		frame, more := frames.Next()
		if !Hidden(frame) {
			return fmt.Sprintf("%s %s:%d", frame.Function, frame.File, frame.Line)
		}
		if !more {
			return ""
		}
	}
}

// Hidden reports whether frame is omitted from reports: runtime frames and
// library frames outside tests.
func Hidden(frame runtime.Frame) bool {
	if strings.HasPrefix(frame.Function, "runtime.") {
		return true
	}
	if strings.HasSuffix(frame.File, "_test.go") {
		return false
	}
	return strings.HasPrefix(frame.Function, publicPrefix) ||
		strings.HasPrefix(frame.Function, internalPrefix)
}

// Len returns the number of unique stacks stored.
//
// Performance: O(N). Diagnostics only.
func Len() int {
	n := 0
	depot.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset clears the depot (for testing).
//
// Thread Safety: NOT safe for concurrent calls.
func Reset() {
	depot = sync.Map{}
}
