package registry

// Map is a Backend keyed by a monotonically increasing counter.
//
// Keys are never reused, so a removed key can never alias a newer entry.
type Map struct {
	entries map[Key]Entry
	next    Key
}

// NewMap returns an empty map-backed registry.
func NewMap() *Map {
	return &Map{
		entries: make(map[Key]Entry),
		next:    1,
	}
}

// Insert implements Backend.
func (m *Map) Insert(e Entry) Key {
	k := m.next
	if k == 0 {
		panic("registry: key space exhausted")
	}
	m.next++
	m.entries[k] = e
	return k
}

// Remove implements Backend.
func (m *Map) Remove(k Key) (Entry, bool) {
	e, ok := m.entries[k]
	if !ok {
		return Entry{}, false
	}
	delete(m.entries, k)
	return e, true
}

// Len implements Backend.
func (m *Map) Len() int {
	return len(m.entries)
}

// Drain implements Backend.
func (m *Map) Drain(fn func(Key, Entry)) {
	// Detach first so fn may insert into a fresh map without being
	// visited by this drain.
	entries := m.entries
	m.entries = make(map[Key]Entry)
	for k, e := range entries {
		fn(k, e)
	}
}

// Name implements Backend.
func (m *Map) Name() string {
	return "map"
}
