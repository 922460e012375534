// Package threadid identifies the calling goroutine.
//
// A goroutine is the unit of confinement: values wrapped by package confine
// may only be touched by the goroutine that created them. The runtime assigns
// every goroutine a positive id that is never handed out again for the life
// of the process, so an ID captured at construction stays comparable against
// Current() forever.
//
// Performance:
//   - Current(): ~1µs (runtime.Stack header parse, no heap allocation)
//   - Live(): ~1ms for 1000 goroutines (full stack dump)
//
// Live() exists for the dead-goroutine sweep in package sticky and is far
// too slow for per-access use.
package threadid
