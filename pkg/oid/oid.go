// Package oid defines the fixed-width object identifier used throughout shmstore.
package oid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Size is the length of an object identifier in bytes.
const Size = 20

// ID is an opaque object identifier. It is a value type and can be used
// directly as a map key. The store assumes no internal structure.
type ID [Size]byte

// Nil is the zero identifier. It is never assigned to a stored object.
var Nil ID

// FromHex parses a hex-encoded identifier.
func FromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return Nil, fmt.Errorf("decode object id: %w", err)
	}
	if len(b) != Size {
		return Nil, fmt.Errorf("object id must be %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromBytes builds an identifier from a raw byte slice.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return Nil, fmt.Errorf("object id must be %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Random returns a fresh random identifier.
func Random() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// IsNil reports whether the identifier is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// String returns the hex form of the identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated hex form for log output.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := FromHex(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
