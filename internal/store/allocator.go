package store

// Allocation describes a contiguous region of backing memory handed out by
// an allocator. The segment handle plus offset is the cross-process form of
// the location: each client process resolves the handle into its own mapping
// and recomputes its own base address. Pointer is only meaningful inside the
// store process.
type Allocation struct {
	// Segment is the opaque handle of the backing memory segment.
	Segment string
	// FD is the store-local descriptor of the backing file, passed to
	// clients over the socket so they can map the same memory. It is -1
	// for device-resident allocations.
	FD int
	// MapSize is the total size of the backing mapping.
	MapSize int64
	// Offset is the byte offset of this region within the mapping.
	Offset int64
	// Size is the granularity-rounded size of the region.
	Size int64
	// Pointer is the store-local mapping of the region, nil for device
	// memory.
	Pointer []byte
	// IPCHandle is an opaque device IPC handle for accelerator-resident
	// allocations, nil for host memory.
	IPCHandle []byte
}

// Allocator supplies backing memory for one placement domain. Sizes passed
// to Allocate are already rounded to the allocation granularity.
type Allocator interface {
	Allocate(size int64) (*Allocation, error)
	Free(a *Allocation) error
}
