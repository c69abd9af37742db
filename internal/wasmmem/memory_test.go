package wasmmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateInitialFlip(t *testing.T) {
	m, err := Allocate(pageSize, 4*pageSize)
	require.NoError(t, err)
	defer m.Release()
	assert.EqualValues(t, pageSize, m.Size())
	assert.EqualValues(t, pageSize, m.Capacity())
}

func TestExpandGrowsAndFlips(t *testing.T) {
	m, err := Allocate(0, 4*pageSize)
	require.NoError(t, err)
	defer m.Release()

	require.NoError(t, m.Expand(pageSize))
	assert.EqualValues(t, pageSize, m.Size())

	// write into the newly-backed page to prove it's RW
	assert.NoError(t, m.InitializeRegion(0, []byte{1, 2, 3}))
}

func TestExpandExhaustionLeavesSizeUnchanged(t *testing.T) {
	m, err := Allocate(0, pageSize)
	require.NoError(t, err)
	defer m.Release()

	before := m.Size()
	assert.Equal(t, ErrExhausted, m.Expand(2*pageSize))
	assert.Equal(t, before, m.Size(), "size changed after failed expand")
}

func TestExpandAtFourGiBCeilingRejected(t *testing.T) {
	m, err := Allocate(0, maxCap)
	if err != nil {
		t.Skip("environment cannot reserve a full 4GiB mapping")
	}
	defer m.Release()
	m.size = maxCap // simulate being fully grown without paying the mprotect cost in a test
	assert.Equal(t, ErrExhausted, m.Expand(1), "expected ErrExhausted at ceiling")
}

func TestShrinkRejected(t *testing.T) {
	m, err := Allocate(pageSize, 4*pageSize)
	require.NoError(t, err)
	defer m.Release()
	assert.Error(t, m.Expand(-1), "expected shrink to be rejected")
}

func TestInitializeRegionOutOfBounds(t *testing.T) {
	m, err := Allocate(pageSize, 4*pageSize)
	require.NoError(t, err)
	defer m.Release()
	assert.Equal(t, ErrOutOfBounds, m.InitializeRegion(m.Size()-1, []byte{1, 2, 3}))
}

func TestStackAllocateAndRelease(t *testing.T) {
	s, err := AllocateStack(pageSize)
	require.NoError(t, err)
	assert.EqualValues(t, pageSize, s.Capacity())
	s.Release()
}
