package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmstore/shmstore/internal/store"
)

func TestHostAllocateAndFree(t *testing.T) {
	alloc, err := NewHostAllocator(Config{Directory: t.TempDir()})
	require.NoError(t, err)

	a, err := alloc.Allocate(4096)
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.NotEmpty(t, a.Segment)
	assert.GreaterOrEqual(t, a.FD, 0)
	assert.EqualValues(t, 4096, a.Size)
	assert.EqualValues(t, 4096, a.MapSize)
	assert.EqualValues(t, 0, a.Offset)
	require.Len(t, a.Pointer, 4096)

	// The mapping must be writable and hold its contents.
	copy(a.Pointer, []byte("hello shared memory"))
	assert.Equal(t, byte('h'), a.Pointer[0])

	require.NoError(t, alloc.Free(a))
	assert.Nil(t, a.Pointer)
	assert.Equal(t, -1, a.FD)
}

func TestHostAllocateDistinctSegments(t *testing.T) {
	alloc, err := NewHostAllocator(Config{Directory: t.TempDir()})
	require.NoError(t, err)

	a, err := alloc.Allocate(64)
	require.NoError(t, err)
	b, err := alloc.Allocate(64)
	require.NoError(t, err)

	assert.NotEqual(t, a.Segment, b.Segment)
	assert.NotEqual(t, a.FD, b.FD)

	require.NoError(t, alloc.Free(a))
	require.NoError(t, alloc.Free(b))
}

func TestHostFreeNil(t *testing.T) {
	alloc, err := NewHostAllocator(Config{Directory: t.TempDir()})
	require.NoError(t, err)
	assert.NoError(t, alloc.Free(nil))
}

func TestDeviceAllocator(t *testing.T) {
	_, err := NewDeviceAllocator(store.HostDevice)
	assert.Error(t, err)

	alloc, err := NewDeviceAllocator(1)
	require.NoError(t, err)

	a, err := alloc.Allocate(256)
	require.NoError(t, err)

	assert.Equal(t, -1, a.FD)
	assert.Nil(t, a.Pointer)
	assert.NotEmpty(t, a.IPCHandle)
	assert.EqualValues(t, 256, a.Size)

	require.NoError(t, alloc.Free(a))
	assert.Nil(t, a.IPCHandle)
}
