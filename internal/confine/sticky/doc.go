// Package sticky keeps one registry per goroutine for values that must be
// destroyed on that goroutine.
//
// Every goroutine that uses the package gets a State, created lazily on
// first use and stored in a process-wide table keyed by goroutine id. A
// State has two compartments:
//
//   - the backend (package registry): written only by the owner goroutine,
//     never locked;
//   - the deferred inbox: the single place where other goroutines may hand
//     a value to the owner. It is guarded by a mutex and accepts parcels only
//     while the State is open.
//
// Lifecycle:
//
//	Current() ──► open ──► Teardown()/Sweep() ──► closed (removed from table)
//
// Teardown runs on the owner and destroys what is left (or abandons it,
// depending on Policy). Sweep runs anywhere, finds States whose goroutine
// has exited without Teardown, and always abandons their values: running a
// destructor on the sweeping goroutine would break confinement.
package sticky
