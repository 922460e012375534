package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/confine/internal/confine/stackdepot"
	"github.com/kolkov/confine/internal/confine/threadid"
)

func createSite() uint64 {
	return stackdepot.Capture(0)
}

func violateSite(created uint64) *Violation {
	return New(OpDestruction, "*os.File", threadid.ID(7), created, 0)
}

func TestViolationFormat(t *testing.T) {
	created := createSite()
	v := violateSite(created)

	require.Equal(t, threadid.Current(), v.Current)
	out := v.String()

	assert.Contains(t, out, "WARNING: CONFINEMENT VIOLATION")
	assert.Contains(t, out, "Destruction of *os.File owned by goroutine 7 attempted on goroutine "+v.Current.String())
	assert.Contains(t, out, "violateSite")
	assert.Contains(t, out, "Value created by goroutine 7 at:")
	assert.Contains(t, out, "createSite")
	assert.Contains(t, v.CreatedAt(), "createSite")
}

func TestViolationWithoutConstructionSite(t *testing.T) {
	v := New(OpAccess, "int", threadid.ID(3), 0, 0)
	out := v.String()

	assert.Contains(t, out, "Access of int owned by goroutine 3")
	assert.Contains(t, out, "(construction site not captured)")
	assert.Empty(t, v.CreatedAt())
}

func TestFormatStackEmpty(t *testing.T) {
	assert.Equal(t, "  (no stack trace captured)\n", formatStack(nil))
}
