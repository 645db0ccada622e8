package memory

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/shmstore/shmstore/internal/store"
)

// DeviceAllocator serves accelerator-resident allocations. Real device
// memory management lives in the accelerator runtime; this allocator only
// models the bookkeeping the directory needs: an opaque segment handle and
// an IPC handle clients pass to their own runtime to attach the memory.
type DeviceAllocator struct {
	device int
}

// NewDeviceAllocator creates an allocator for the given non-zero device.
func NewDeviceAllocator(device int) (*DeviceAllocator, error) {
	if device == store.HostDevice {
		return nil, fmt.Errorf("device %d is host memory, use NewHostAllocator", device)
	}
	return &DeviceAllocator{device: device}, nil
}

// Allocate reserves a device region and mints its IPC handle. There is no
// host mapping: Pointer stays nil and FD is -1.
func (d *DeviceAllocator) Allocate(size int64) (*store.Allocation, error) {
	handle := uuid.New()
	return &store.Allocation{
		Segment:   fmt.Sprintf("dev%d-%s", d.device, handle),
		FD:        -1,
		MapSize:   size,
		Offset:    0,
		Size:      size,
		IPCHandle: handle[:],
	}, nil
}

// Free releases the device region.
func (d *DeviceAllocator) Free(a *store.Allocation) error {
	if a != nil {
		a.IPCHandle = nil
	}
	return nil
}
