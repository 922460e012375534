package sticky

//go:generate mockgen -source=../registry/entry.go -destination=../registry/mocks/backend_mock.go -package=mocks Backend

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/kolkov/confine/internal/confine/registry"
	"github.com/kolkov/confine/internal/confine/registry/mocks"
)

// withBackend makes new States use b until the test ends.
func withBackend(t *testing.T, b registry.Backend) {
	t.Helper()
	prev := newBackend
	newBackend = func() registry.Backend { return b }
	t.Cleanup(func() { newBackend = prev })
}

// TestStateDelegatesToBackend checks the calls a State makes on its storage.
func TestStateDelegatesToBackend(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	withBackend(t, backend)

	var destroyed atomic.Int32
	entry := counted(&destroyed)

	backend.EXPECT().Name().Return("mock").AnyTimes()
	gomock.InOrder(
		backend.EXPECT().Insert(gomock.Any()).Return(registry.Key(7)),
		backend.EXPECT().Remove(registry.Key(7)).Return(entry, true),
		backend.EXPECT().Remove(registry.Key(7)).Return(registry.Entry{}, false),
		backend.EXPECT().Len().Return(0),
		backend.EXPECT().Drain(gomock.Any()),
	)

	run(func() {
		s := Current()
		assert.Equal(t, "mock", s.Backend())
		require.NoError(t, s.Acquire())

		tok, err := s.Register(entry)
		require.NoError(t, err)
		assert.Equal(t, registry.Key(7), tok.Key)

		_, ok := s.Take(tok)
		assert.True(t, ok)
		_, ok = s.Take(tok)
		assert.False(t, ok)

		s.Release()
		assert.Equal(t, 1, Teardown(PolicyDestroy).Registries)
	})
	assert.Zero(t, destroyed.Load(), "taken entries are not destroyed by the registry")
}

// TestTeardownRunsDrainedEntries checks that every drained entry is
// destroyed exactly once.
func TestTeardownRunsDrainedEntries(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	withBackend(t, backend)

	var destroyed atomic.Int32
	backend.EXPECT().Name().Return("mock").AnyTimes()
	backend.EXPECT().Len().Return(3)
	backend.EXPECT().Drain(gomock.Any()).Do(func(fn func(registry.Key, registry.Entry)) {
		for k := registry.Key(1); k <= 3; k++ {
			fn(k, counted(&destroyed))
		}
	})

	var stats Stats
	run(func() {
		Current()
		stats = Teardown(PolicyDestroy)
	})
	assert.Equal(t, 3, stats.Destroyed)
	assert.Equal(t, int32(3), destroyed.Load())
}
