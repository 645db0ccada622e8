package store_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmstore/shmstore/internal/eviction"
	"github.com/shmstore/shmstore/internal/memory"
	"github.com/shmstore/shmstore/internal/session"
	"github.com/shmstore/shmstore/internal/store"
	"github.com/shmstore/shmstore/pkg/oid"
)

// fakeAllocator serves allocations from ordinary slices and can be told to
// fail, for exercising the eviction-then-retry path.
type fakeAllocator struct {
	failures int // Allocate calls to fail before succeeding again
	live     int
	frees    int
}

func (f *fakeAllocator) Allocate(size int64) (*store.Allocation, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("backing allocation failed")
	}
	f.live++
	return &store.Allocation{
		Segment: fmt.Sprintf("seg-%d", f.live),
		FD:      -1,
		MapSize: size,
		Size:    size,
		Pointer: make([]byte, size),
	}, nil
}

func (f *fakeAllocator) Free(a *store.Allocation) error {
	f.live--
	f.frees++
	return nil
}

func newDirectory(t *testing.T, capacity int64) (*store.Directory, *fakeAllocator) {
	t.Helper()
	alloc := &fakeAllocator{}
	d := store.NewDirectory(capacity, eviction.NewLRU())
	d.RegisterAllocator(store.HostDevice, alloc)
	return d, alloc
}

func mustCreate(t *testing.T, d *store.Directory, id oid.ID, dataSize, metaSize int64) *store.Entry {
	t.Helper()
	entry, err := d.Create(id, dataSize, metaSize, store.HostDevice, "test-client")
	require.NoError(t, err)
	return entry
}

// sealUnreferenced creates, seals and releases an object so it is eligible
// for eviction.
func sealUnreferenced(t *testing.T, d *store.Directory, id oid.ID, size int64) {
	t.Helper()
	mustCreate(t, d, id, size, 0)
	_, err := d.Seal(id, store.Digest{})
	require.NoError(t, err)
	require.NoError(t, d.Release(id))
}

func TestCreateSealGetRoundTrip(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	id := oid.Random()

	entry := mustCreate(t, d, id, 100, 28)
	assert.Equal(t, store.ObjectCreated, entry.State)
	assert.Equal(t, 1, entry.RefCount)
	assert.EqualValues(t, 128, entry.RoundedSize())

	payload := []byte("the quick brown fox jumps over the lazy dog")
	meta := []byte("content-type=text/plain")
	copy(entry.Data(), payload)
	copy(entry.Metadata(), meta)

	sealed, err := d.Seal(id, store.Digest{})
	require.NoError(t, err)
	assert.Equal(t, store.ObjectSealed, sealed.State)
	assert.False(t, sealed.Digest.IsZero())

	got, err := d.Get(id)
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.DataSize)
	assert.EqualValues(t, 28, got.MetadataSize)
	assert.Equal(t, store.HostDevice, got.Device)
	assert.Equal(t, 2, got.RefCount)
	assert.Equal(t, payload, got.Data()[:len(payload)])
	assert.Equal(t, meta, got.Metadata()[:len(meta)])
	assert.Equal(t, entry.Alloc.Segment, got.Alloc.Segment)
}

func TestCreateDuplicate(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	id := oid.Random()

	mustCreate(t, d, id, 64, 0)
	_, err := d.Create(id, 64, 0, store.HostDevice, "other")
	assert.ErrorIs(t, err, store.ErrObjectExists)
}

func TestCreateNegativeSize(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	_, err := d.Create(oid.Random(), -1, 0, store.HostDevice, "c")
	assert.Error(t, err)
}

func TestCreateUnknownDevice(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	_, err := d.Create(oid.Random(), 64, 0, 7, "c")
	assert.ErrorIs(t, err, store.ErrUnknownDevice)
}

func TestZeroSizeObjectOccupiesOneBlock(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	id := oid.Random()

	entry := mustCreate(t, d, id, 0, 0)
	assert.EqualValues(t, store.BlockSize, entry.RoundedSize())
	assert.EqualValues(t, store.BlockSize, d.Used(store.HostDevice))

	_, err := d.Seal(id, store.Digest{})
	require.NoError(t, err)
	require.NoError(t, d.Release(id))
	require.NoError(t, d.Delete(id))
	assert.EqualValues(t, 0, d.Used(store.HostDevice))
}

func TestGetAbsentOrUnsealedIsSoftNotFound(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)

	_, err := d.Get(oid.Random())
	assert.ErrorIs(t, err, store.ErrObjectNotFound)

	id := oid.Random()
	mustCreate(t, d, id, 64, 0)
	_, err = d.Get(id)
	assert.ErrorIs(t, err, store.ErrObjectNotFound, "unsealed object must not be visible to readers")
}

func TestSealErrors(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)

	_, err := d.Seal(oid.Random(), store.Digest{})
	assert.ErrorIs(t, err, store.ErrObjectNotFound)

	id := oid.Random()
	mustCreate(t, d, id, 64, 0)
	_, err = d.Seal(id, store.Digest{})
	require.NoError(t, err)

	_, err = d.Seal(id, store.Digest{})
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestSealStoresSuppliedDigest(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	id := oid.Random()
	mustCreate(t, d, id, 64, 0)

	want, err := store.ParseDigest("0123456789abcdef")
	require.NoError(t, err)

	sealed, err := d.Seal(id, want)
	require.NoError(t, err)
	assert.Equal(t, want, sealed.Digest)
}

func TestReleaseUnderflow(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	id := oid.Random()
	mustCreate(t, d, id, 64, 0)
	_, err := d.Seal(id, store.Digest{})
	require.NoError(t, err)

	require.NoError(t, d.Release(id)) // creator's hold
	err = d.Release(id)
	assert.ErrorIs(t, err, store.ErrRefCountUnderflow)

	// The failed release must not have driven the count negative.
	entry, ok := d.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, 0, entry.RefCount)

	assert.ErrorIs(t, d.Release(oid.Random()), store.ErrObjectNotFound)
}

func TestEveryGetMatchedByOneRelease(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	id := oid.Random()
	mustCreate(t, d, id, 64, 0)
	_, err := d.Seal(id, store.Digest{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := d.Get(id)
		require.NoError(t, err)
	}
	for i := 0; i < 6; i++ { // 5 gets + creator hold
		require.NoError(t, d.Release(id))
	}
	assert.ErrorIs(t, d.Release(id), store.ErrRefCountUnderflow)
}

func TestAbort(t *testing.T) {
	d, alloc := newDirectory(t, 1<<20)
	id := oid.Random()
	mustCreate(t, d, id, 100, 0)

	require.NoError(t, d.Abort(id))
	assert.Equal(t, 1, alloc.frees)
	assert.EqualValues(t, 0, d.Used(store.HostDevice))
	_, err := d.Get(id)
	assert.ErrorIs(t, err, store.ErrObjectNotFound)

	// Abort only applies to CREATED entries.
	id2 := oid.Random()
	mustCreate(t, d, id2, 100, 0)
	_, err = d.Seal(id2, store.Digest{})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Abort(id2), store.ErrInvalidState)

	assert.ErrorIs(t, d.Abort(oid.Random()), store.ErrObjectNotFound)
}

func TestDeleteRequiresSealedUnreferenced(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)

	assert.ErrorIs(t, d.Delete(oid.Random()), store.ErrObjectNotFound)

	id := oid.Random()
	mustCreate(t, d, id, 64, 0)
	assert.ErrorIs(t, d.Delete(id), store.ErrInvalidState, "CREATED objects may only be aborted")

	_, err := d.Seal(id, store.Digest{})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Delete(id), store.ErrInvalidState, "creator still holds the object")

	require.NoError(t, d.Release(id))
	require.NoError(t, d.Delete(id))
	assert.Equal(t, 0, d.Len())
}

func TestIdentifierReusableAfterDelete(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	id := oid.Random()

	sealUnreferenced(t, d, id, 64)
	require.NoError(t, d.Delete(id))

	mustCreate(t, d, id, 128, 0)
}

func TestDigestDeterminism(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	payload := []byte("identical bytes in two different objects")

	var digests []store.Digest
	for i := 0; i < 2; i++ {
		id := oid.Random()
		entry := mustCreate(t, d, id, int64(len(payload)), 0)
		copy(entry.Data(), payload)
		sealed, err := d.Seal(id, store.Digest{})
		require.NoError(t, err)
		digests = append(digests, sealed.Digest)
	}
	assert.Equal(t, digests[0], digests[1])

	id := oid.Random()
	entry := mustCreate(t, d, id, int64(len(payload)), 0)
	copy(entry.Data(), []byte("completely different bytes here, same length"))
	sealed, err := d.Seal(id, store.Digest{})
	require.NoError(t, err)
	assert.NotEqual(t, digests[0], sealed.Digest)
}

func TestCapacityPressureEvictsEligible(t *testing.T) {
	d, _ := newDirectory(t, 1024)
	a, b, c := oid.Random(), oid.Random(), oid.Random()

	sealUnreferenced(t, d, a, 500) // rounds to 512
	sealUnreferenced(t, d, b, 500)
	assert.EqualValues(t, 1024, d.Used(store.HostDevice))

	// C needs 448 rounded bytes; A is least recently released and must go.
	mustCreate(t, d, c, 400, 0)

	_, err := d.Get(a)
	assert.ErrorIs(t, err, store.ErrObjectNotFound, "evicted object must be gone")
	_, err = d.Get(b)
	assert.NoError(t, err, "one eviction freed enough, B must survive")
	assert.LessOrEqual(t, d.Used(store.HostDevice), d.Capacity())
}

func TestReferencedObjectSurvivesPressure(t *testing.T) {
	d, _ := newDirectory(t, 1024)
	a, b, c := oid.Random(), oid.Random(), oid.Random()

	sealUnreferenced(t, d, a, 500)
	sealUnreferenced(t, d, b, 500)

	// A reader holds A; only B is eligible.
	_, err := d.Get(a)
	require.NoError(t, err)

	mustCreate(t, d, c, 400, 0)

	_, err = d.Get(b)
	assert.ErrorIs(t, err, store.ErrObjectNotFound, "B was the only eligible victim")
	entry, ok := d.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, 1, entry.RefCount)
}

func TestOutOfMemoryRatherThanEvictingReferenced(t *testing.T) {
	d, _ := newDirectory(t, 1024)
	a, b := oid.Random(), oid.Random()

	sealUnreferenced(t, d, a, 500)
	sealUnreferenced(t, d, b, 500)

	// Both objects are referenced: nothing is eligible.
	_, err := d.Get(a)
	require.NoError(t, err)
	_, err = d.Get(b)
	require.NoError(t, err)

	_, err = d.Create(oid.Random(), 400, 0, store.HostDevice, "c")
	assert.ErrorIs(t, err, store.ErrOutOfMemory)

	// Neither referenced object was touched.
	_, ok := d.Lookup(a)
	assert.True(t, ok)
	_, ok = d.Lookup(b)
	assert.True(t, ok)
}

func TestUnsealedObjectsAreNeverEvicted(t *testing.T) {
	d, _ := newDirectory(t, 1024)
	a := oid.Random()

	// A CREATED object with no forthcoming seal is live and consumes
	// capacity until aborted.
	mustCreate(t, d, a, 900, 0)

	_, err := d.Create(oid.Random(), 400, 0, store.HostDevice, "c")
	assert.ErrorIs(t, err, store.ErrOutOfMemory)
	_, ok := d.Lookup(a)
	assert.True(t, ok)
}

func TestRequestLargerThanCapacity(t *testing.T) {
	d, _ := newDirectory(t, 1024)
	_, err := d.Create(oid.Random(), 2048, 0, store.HostDevice, "c")
	assert.ErrorIs(t, err, store.ErrOutOfMemory)
}

func TestAllocatorFailureTriggersEvictionRetry(t *testing.T) {
	d, alloc := newDirectory(t, 1<<20)
	a := oid.Random()
	sealUnreferenced(t, d, a, 500)

	// The backing allocator fails once within the capacity bound; the
	// directory must evict what it can and retry.
	alloc.failures = 1
	mustCreate(t, d, oid.Random(), 100, 0)

	_, ok := d.Lookup(a)
	assert.False(t, ok, "eligible entry should have been reclaimed on retry")
}

func TestCapacityBoundHolds(t *testing.T) {
	d, _ := newDirectory(t, 4096)

	// Churn: create, seal, release, some deletes, under constant pressure.
	for i := 0; i < 200; i++ {
		id := oid.Random()
		if _, err := d.Create(id, int64(50+i%500), int64(i%64), store.HostDevice, "churn"); err != nil {
			assert.ErrorIs(t, err, store.ErrOutOfMemory)
			continue
		}
		if i%3 == 0 {
			require.NoError(t, d.Abort(id))
			continue
		}
		_, err := d.Seal(id, store.Digest{})
		require.NoError(t, err)
		require.NoError(t, d.Release(id))

		assert.LessOrEqual(t, d.Used(store.HostDevice), d.Capacity())
	}
}

func TestDeviceObjects(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	devAlloc, err := memory.NewDeviceAllocator(1)
	require.NoError(t, err)
	d.RegisterAllocator(1, devAlloc)

	id := oid.Random()
	entry, err := d.Create(id, 256, 0, 1, "gpu-client")
	require.NoError(t, err)
	assert.Nil(t, entry.Data())
	assert.NotEmpty(t, entry.Alloc.IPCHandle)

	// The store cannot read device memory, so sealing without a digest
	// is rejected.
	_, err = d.Seal(id, store.Digest{})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	digest := store.ComputeDigest([]byte("device bytes"), nil)
	sealed, err := d.Seal(id, digest)
	require.NoError(t, err)
	assert.Equal(t, digest, sealed.Digest)

	// Device accounting is independent of the host domain.
	assert.EqualValues(t, 256, d.Used(1))
	assert.EqualValues(t, 0, d.Used(store.HostDevice))
}

func TestDisconnectCleanup(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	sess := session.New()

	held := oid.Random()
	sealUnreferenced(t, d, held, 64)
	for i := 0; i < 3; i++ {
		_, err := d.Get(held)
		require.NoError(t, err)
		sess.AddHold(held)
	}

	pending := oid.Random()
	mustCreate(t, d, pending, 64, 0)
	sess.AddHold(pending)
	sess.TrackCreate(pending)

	d.ReleaseAllFor(sess)
	sess.Reset()

	entry, ok := d.Lookup(held)
	require.True(t, ok)
	assert.Equal(t, 0, entry.RefCount, "every hold released exactly once")

	_, ok = d.Lookup(pending)
	assert.False(t, ok, "unsealed object aborted on disconnect")

	// Idempotent: the consumed session releases nothing further.
	d.ReleaseAllFor(sess)
	entry, ok = d.Lookup(held)
	require.True(t, ok)
	assert.Equal(t, 0, entry.RefCount)
}

func TestSealNotificationHook(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)

	var sealed []store.Info
	var removed []store.Info
	d.OnSealed(func(info store.Info) { sealed = append(sealed, info) })
	d.OnRemoved(func(info store.Info) { removed = append(removed, info) })

	id := oid.Random()
	mustCreate(t, d, id, 64, 0)
	_, err := d.Seal(id, store.Digest{})
	require.NoError(t, err)

	require.Len(t, sealed, 1)
	assert.Equal(t, id, sealed[0].ID)
	assert.Equal(t, "sealed", sealed[0].State)
	assert.EqualValues(t, 64, sealed[0].DataSize)
	assert.Equal(t, "test-client", sealed[0].Owner)
	assert.False(t, sealed[0].CreatedAt.IsZero())

	require.NoError(t, d.Release(id))
	require.NoError(t, d.Delete(id))
	require.Len(t, removed, 1)
	assert.Equal(t, id, removed[0].ID)
}

func TestStatsByDevice(t *testing.T) {
	d, _ := newDirectory(t, 1<<20)
	sealUnreferenced(t, d, oid.Random(), 100)
	mustCreate(t, d, oid.Random(), 50, 0)

	stats := d.StatsByDevice()
	require.Len(t, stats, 1)
	assert.Equal(t, store.HostDevice, stats[0].Device)
	assert.Equal(t, 2, stats[0].Objects)
	assert.Equal(t, 1, stats[0].Sealed)
	assert.EqualValues(t, 128+64, stats[0].Used)
}

func TestWithRealSharedMemory(t *testing.T) {
	alloc, err := memory.NewHostAllocator(memory.Config{Directory: t.TempDir()})
	require.NoError(t, err)

	d := store.NewDirectory(1<<20, eviction.NewLRU())
	d.RegisterAllocator(store.HostDevice, alloc)

	id := oid.Random()
	entry, err := d.Create(id, 1000, 24, store.HostDevice, "it")
	require.NoError(t, err)
	require.GreaterOrEqual(t, entry.Alloc.FD, 0)

	copy(entry.Data(), []byte("bytes that live in a mapped segment"))
	_, err = d.Seal(id, store.Digest{})
	require.NoError(t, err)

	got, err := d.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), got.Data()[:5])

	require.NoError(t, d.Release(id))
	require.NoError(t, d.Release(id))
	require.NoError(t, d.Delete(id))
}
