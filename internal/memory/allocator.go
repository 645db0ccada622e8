// Package memory implements the backing-memory allocators consumed by the
// object directory. The host allocator maps one file-backed shared-memory
// segment per object; the file is unlinked immediately after creation, so
// the descriptor passed to clients over the socket is the only live handle.
package memory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/shmstore/shmstore/internal/store"
)

// Config carries allocation options the directory passes through without
// interpreting. Huge-page support is expressed by pointing Directory at a
// hugetlbfs mount; the allocator itself does not treat it specially.
type Config struct {
	// Directory is where memory-backed files are created. A tmpfs mount
	// such as /dev/shm keeps the segments in memory.
	Directory string
	// HugePages records that Directory is a hugetlbfs mount.
	HugePages bool
}

// HostAllocator hands out mmap-backed segments of host memory, one segment
// per allocation. It implements store.Allocator.
type HostAllocator struct {
	cfg Config
}

// NewHostAllocator creates a host allocator backed by files in cfg.Directory.
func NewHostAllocator(cfg Config) (*HostAllocator, error) {
	if cfg.Directory == "" {
		cfg.Directory = os.TempDir()
	}
	if err := os.MkdirAll(cfg.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("create backing directory: %w", err)
	}
	return &HostAllocator{cfg: cfg}, nil
}

// Allocate creates a new shared-memory segment of the given size. The size
// is already rounded to the allocation granularity by the directory.
func (h *HostAllocator) Allocate(size int64) (*store.Allocation, error) {
	segment := "shm-" + uuid.NewString()
	path := filepath.Join(h.cfg.Directory, segment)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}

	// Unlink right away: the descriptor is the only handle from here on,
	// and the kernel reclaims the segment once the last mapping is gone
	// even if the store crashes.
	if err := os.Remove(path); err != nil {
		log.Warn().Str("segment", segment).Err(err).Msg("could not unlink segment file")
	}

	fd := int(f.Fd())
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("size segment to %d bytes: %w", size, err)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("map segment: %w", err)
	}

	// Keep the *os.File from closing the descriptor on GC; the raw fd is
	// owned by the allocation until Free.
	rawFD, err := dupAndClose(f)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}

	return &store.Allocation{
		Segment: segment,
		FD:      rawFD,
		MapSize: size,
		Offset:  0,
		Size:    size,
		Pointer: data,
	}, nil
}

// Free unmaps a segment and closes its descriptor, returning the memory to
// the kernel.
func (h *HostAllocator) Free(a *store.Allocation) error {
	if a == nil {
		return nil
	}
	var firstErr error
	if a.Pointer != nil {
		if err := unix.Munmap(a.Pointer); err != nil {
			firstErr = fmt.Errorf("unmap segment %s: %w", a.Segment, err)
		}
		a.Pointer = nil
	}
	if a.FD >= 0 {
		if err := unix.Close(a.FD); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close segment %s: %w", a.Segment, err)
		}
		a.FD = -1
	}
	return firstErr
}

// dupAndClose detaches the descriptor from an *os.File so the runtime
// finalizer cannot close it under the live mapping.
func dupAndClose(f *os.File) (int, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		_ = f.Close()
		return -1, fmt.Errorf("dup segment fd: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("close segment file: %w", err)
	}
	return fd, nil
}
