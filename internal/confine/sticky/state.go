package sticky

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kolkov/confine/internal/confine/registry"
	"github.com/kolkov/confine/internal/confine/threadid"
	"github.com/kolkov/confine/internal/observability"
)

var (
	// ErrNoScope is returned by Register when no stack token is held.
	ErrNoScope = errors.New("sticky: registration requires a live stack token")

	// ErrTornDown is returned when the registry has already been torn down.
	ErrTornDown = errors.New("sticky: registry already torn down")

	// ErrNotOwner is returned when a goroutine operates on another
	// goroutine's State.
	ErrNotOwner = errors.New("sticky: registry belongs to another goroutine")
)

// Token locates one registered value.
//
// A Token is only meaningful to the State that issued it, identified by
// Owner and Epoch; every other State reports it absent, including a later
// State of the same goroutine created after a Teardown.
type Token struct {
	Owner    threadid.ID
	Epoch    uint64
	Key      registry.Key
	Deferred bool
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t == Token{}
}

// String renders t for logs.
func (t Token) String() string {
	kind := "local"
	if t.Deferred {
		kind = "deferred"
	}
	return fmt.Sprintf("%s:%d@%s", kind, t.Key, t.Owner)
}

// epochs numbers States process-wide. Epoch 0 is never issued.
var epochs atomic.Uint64

// State is the registry of one goroutine.
type State struct {
	id      threadid.ID
	epoch   uint64
	backend registry.Backend

	// scopes counts stack tokens currently held. Owner-only.
	scopes int

	// local mirrors backend.Len() for readers on other goroutines.
	local atomic.Int64

	mu           sync.Mutex
	closed       bool
	deferred     map[registry.Key]registry.Entry
	nextDeferred registry.Key
}

// newBackend builds the storage of each new State.
var newBackend = registry.New

func newState(id threadid.ID) *State {
	return &State{
		id:           id,
		epoch:        epochs.Add(1),
		backend:      newBackend(),
		deferred:     make(map[registry.Key]registry.Entry),
		nextDeferred: 1,
	}
}

// Epoch returns the process-unique number of this State.
func (s *State) Epoch() uint64 {
	return s.epoch
}

// ID returns the owning goroutine.
func (s *State) ID() threadid.ID {
	return s.id
}

// Backend names the storage implementation in use.
func (s *State) Backend() string {
	return s.backend.Name()
}

func (s *State) checkOwner() error {
	if cur := threadid.Current(); cur != s.id {
		return fmt.Errorf("%w: owner %s, caller %s", ErrNotOwner, s.id, cur)
	}
	return nil
}

// Acquire records a new stack token. It fails once the State is closed.
//
// Owner-only.
func (s *State) Acquire() error {
	if err := s.checkOwner(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrTornDown
	}
	s.scopes++
	return nil
}

// Release drops one stack token. Extra releases are ignored.
//
// Owner-only.
func (s *State) Release() {
	if threadid.Current() != s.id {
		return
	}
	if s.scopes > 0 {
		s.scopes--
	}
}

// Scopes returns the number of stack tokens held. Owner-only.
func (s *State) Scopes() int {
	return s.scopes
}

func (s *State) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Register stores e in the owner's backend and returns its Token.
//
// The caller must be the owner and must hold a stack token acquired from
// this State; the token proves the registry outlives the call.
func (s *State) Register(e registry.Entry) (Token, error) {
	if err := s.checkOwner(); err != nil {
		return Token{}, err
	}
	if s.scopes == 0 {
		return Token{}, ErrNoScope
	}
	if s.isClosed() {
		return Token{}, ErrTornDown
	}

	k := s.backend.Insert(e)
	s.local.Add(1)
	observability.M().AddPending(1)
	return Token{Owner: s.id, Epoch: s.epoch, Key: k}, nil
}

// Take removes and returns the entry for t.
//
// It returns false when t belongs to another goroutine or to an earlier
// State of this goroutine, was already taken, or was never issued. A Token can be taken successfully at most once.
//
// Owner-only: called from another goroutine it always returns false.
func (s *State) Take(t Token) (registry.Entry, bool) {
	if t.Owner != s.id || t.Epoch != s.epoch || threadid.Current() != s.id {
		return registry.Entry{}, false
	}

	if t.Deferred {
		s.mu.Lock()
		e, ok := s.deferred[t.Key]
		if ok {
			delete(s.deferred, t.Key)
		}
		s.mu.Unlock()
		if ok {
			observability.M().AddPending(-1)
		}
		return e, ok
	}

	e, ok := s.backend.Remove(t.Key)
	if ok {
		s.local.Add(-1)
		observability.M().AddPending(-1)
	}
	return e, ok
}

// handoff places e in the deferred inbox. It is the only State method that
// other goroutines may call. Returns false once the State is closed.
func (s *State) handoff(e registry.Entry) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Token{}, false
	}
	k := s.nextDeferred
	s.nextDeferred++
	s.deferred[k] = e
	observability.M().AddPending(1)
	return Token{Owner: s.id, Epoch: s.epoch, Key: k, Deferred: true}, true
}

// close marks the State closed and detaches the inbox. It returns false if
// the State was already closed.
func (s *State) close() (map[registry.Key]registry.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	s.closed = true
	inbox := s.deferred
	s.deferred = nil
	return inbox, true
}

// Pending returns the number of values waiting in this State. Safe from any
// goroutine.
func (s *State) Pending() (local, deferred int) {
	s.mu.Lock()
	deferred = len(s.deferred)
	s.mu.Unlock()
	return int(s.local.Load()), deferred
}

// Closed reports whether the State has been torn down or swept.
func (s *State) Closed() bool {
	return s.isClosed()
}
