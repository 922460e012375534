package registry

// Slab is a Backend that stores entries in a slice of slots and recycles
// freed slots.
//
// Key layout (64 bits):
//
//	| generation (32 bits) | slot index + 1 (32 bits) |
//
// A slot's generation is bumped every time it is freed, so a key issued
// before the slot was recycled no longer matches and Remove reports it
// absent.
type Slab struct {
	slots []slot
	free  []uint32
	count int
}

type slot struct {
	entry Entry
	gen   uint32
	used  bool
}

const slotBits = 32

// NewSlab returns an empty slab-backed registry.
func NewSlab() *Slab {
	return &Slab{}
}

func packKey(index, gen uint32) Key {
	return Key(uint64(gen)<<slotBits | uint64(index+1))
}

func unpackKey(k Key) (index, gen uint32, ok bool) {
	low := uint32(k)
	if low == 0 {
		return 0, 0, false
	}
	return low - 1, uint32(k >> slotBits), true
}

// Insert implements Backend.
func (s *Slab) Insert(e Entry) Key {
	var index uint32
	if n := len(s.free); n > 0 {
		// LIFO reuse keeps the hot end of the slice in cache.
		index = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		if uint64(len(s.slots)) >= 1<<slotBits-1 {
			panic("registry: slab exhausted")
		}
		//nolint:gosec // G115: bounded by the check above
		index = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}

	sl := &s.slots[index]
	sl.entry = e
	sl.used = true
	s.count++
	return packKey(index, sl.gen)
}

// Remove implements Backend.
func (s *Slab) Remove(k Key) (Entry, bool) {
	index, gen, ok := unpackKey(k)
	if !ok || int(index) >= len(s.slots) {
		return Entry{}, false
	}
	sl := &s.slots[index]
	if !sl.used || sl.gen != gen {
		return Entry{}, false
	}
	return s.release(index), true
}

func (s *Slab) release(index uint32) Entry {
	sl := &s.slots[index]
	e := sl.entry
	sl.entry = Entry{}
	sl.used = false
	sl.gen++
	s.free = append(s.free, index)
	s.count--
	return e
}

// Len implements Backend.
func (s *Slab) Len() int {
	return s.count
}

// Drain implements Backend.
func (s *Slab) Drain(fn func(Key, Entry)) {
	for i := range s.slots {
		if !s.slots[i].used {
			continue
		}
		//nolint:gosec // G115: slot count is capped at 2^32-1 by Insert
		index := uint32(i)
		k := packKey(index, s.slots[i].gen)
		fn(k, s.release(index))
	}
}

// Name implements Backend.
func (s *Slab) Name() string {
	return "slab"
}
