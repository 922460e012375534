// Package registry stores type-erased values that are waiting to be
// destroyed on one particular goroutine.
//
// A Backend belongs to exactly one goroutine and is never locked: package
// sticky guarantees that only the owner calls into it. Two backends exist:
//
//   - Map: keys come from a counter and are never reused.
//   - Slab: slots are recycled through a free list; every key carries the
//     slot generation so a key that outlived its slot is reported absent.
//
// The backend used by New is chosen at build time. Build with
// -tags confine_slab to select the slab; the map is the default. Callers
// observe identical behavior either way.
package registry
