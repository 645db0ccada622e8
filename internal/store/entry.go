// Package store implements the object table and lifecycle engine of shmstore:
// the authoritative mapping from object identifiers to their memory location,
// size, state and reference count, plus the capacity accounting and eviction
// orchestration that govern creation, sealing, sharing and reclamation.
package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/shmstore/shmstore/pkg/oid"
)

// BlockSize is the allocation granularity. Every object occupies a whole
// number of blocks regardless of its exact byte size.
const BlockSize = 64

// DigestSize is the length of a sealed object's content fingerprint.
const DigestSize = 8

// HostDevice is the device number of host (CPU) memory.
const HostDevice = 0

// RoundUp rounds n up to the allocation granularity.
func RoundUp(n int64) int64 {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}

// ObjectState is the lifecycle state of an object table entry.
type ObjectState int

const (
	// ObjectCreated means the object has been allocated but not sealed.
	// It is writable by its creator and invisible to everyone else.
	ObjectCreated ObjectState = iota + 1
	// ObjectSealed means the object's bytes are immutable and shareable.
	ObjectSealed
)

func (s ObjectState) String() string {
	switch s {
	case ObjectCreated:
		return "created"
	case ObjectSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// Digest is an opaque content fingerprint computed at seal time. The
// directory never interprets it; callers use it to test content equality
// between two sealed objects without comparing raw bytes.
type Digest [DigestSize]byte

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses a hex-encoded digest as carried on the wire.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// Uint64 returns the digest as an unsigned integer, for log output.
func (d Digest) Uint64() uint64 {
	return binary.BigEndian.Uint64(d[:])
}

// ComputeDigest fingerprints the concatenation of data and metadata bytes.
func ComputeDigest(data, metadata []byte) Digest {
	h := xxhash.New()
	_, _ = h.Write(data)
	_, _ = h.Write(metadata)

	var d Digest
	binary.BigEndian.PutUint64(d[:], h.Sum64())
	return d
}

// Entry is the per-object record owned exclusively by the directory.
type Entry struct {
	// ID is the object's key, duplicated here for reverse lookup.
	ID oid.ID
	// Alloc describes the backing memory region.
	Alloc *Allocation
	// DataSize and MetadataSize split the region into a data portion
	// and an optional metadata sidecar.
	DataSize     int64
	MetadataSize int64
	// Device is 0 for host memory, otherwise the accelerator device
	// holding the data.
	Device int
	// RefCount is the number of holds currently outstanding across all
	// clients, including the creator's own.
	RefCount int
	// State is the lifecycle state.
	State ObjectState
	// Digest is the content fingerprint, valid only once sealed.
	Digest Digest
	// CreatedAt is when the entry was inserted.
	CreatedAt time.Time
	// Owner identifies the client session that created the object.
	Owner string
}

// RoundedSize is the entry's capacity footprint: data plus metadata,
// rounded up to the allocation granularity.
func (e *Entry) RoundedSize() int64 {
	if e.Alloc != nil {
		return e.Alloc.Size
	}
	return RoundUp(e.DataSize + e.MetadataSize)
}

// Eligible reports whether the entry may legally be reclaimed.
func (e *Entry) Eligible() bool {
	return e.State == ObjectSealed && e.RefCount == 0
}

// Data returns the store-local view of the object's data bytes,
// or nil for device-resident objects.
func (e *Entry) Data() []byte {
	if e.Alloc == nil || e.Alloc.Pointer == nil {
		return nil
	}
	return e.Alloc.Pointer[:e.DataSize]
}

// Metadata returns the store-local view of the metadata bytes,
// or nil for device-resident objects.
func (e *Entry) Metadata() []byte {
	if e.Alloc == nil || e.Alloc.Pointer == nil {
		return nil
	}
	return e.Alloc.Pointer[e.DataSize : e.DataSize+e.MetadataSize]
}

// Info is the serializable record describing an object, produced at
// creation and seal time for status listings and notification listeners.
type Info struct {
	ID           oid.ID    `json:"object_id"`
	DataSize     int64     `json:"data_size"`
	MetadataSize int64     `json:"metadata_size"`
	Device       int       `json:"device_num"`
	State        string    `json:"state"`
	RefCount     int       `json:"ref_count"`
	Digest       string    `json:"digest,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Owner        string    `json:"owner"`
}

// Info snapshots the entry into its serializable form.
func (e *Entry) Info() Info {
	info := Info{
		ID:           e.ID,
		DataSize:     e.DataSize,
		MetadataSize: e.MetadataSize,
		Device:       e.Device,
		State:        e.State.String(),
		RefCount:     e.RefCount,
		CreatedAt:    e.CreatedAt,
		Owner:        e.Owner,
	}
	if e.State == ObjectSealed {
		info.Digest = e.Digest.String()
	}
	return info
}
