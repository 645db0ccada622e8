package store

import "errors"

// Directory error taxonomy.
var (
	// ErrObjectExists is returned by Create when the identifier is already present.
	ErrObjectExists = errors.New("object already exists")

	// ErrObjectNotFound is a soft error: clients legitimately poll for
	// objects that have not been produced or sealed yet, so callers
	// should not log it as a fault.
	ErrObjectNotFound = errors.New("object not found")

	// ErrInvalidState means the operation is illegal for the object's
	// current lifecycle state.
	ErrInvalidState = errors.New("operation invalid for object state")

	// ErrOutOfMemory means the allocation could not be satisfied even
	// after evicting every eligible entry.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrRefCountUnderflow indicates a release without a matching hold.
	// Correct clients never trigger it; it is rejected loudly rather
	// than silently ignored because the underlying invariant (never
	// free memory still referenced) is safety critical.
	ErrRefCountUnderflow = errors.New("reference count underflow")

	// ErrUnknownDevice means no allocator is registered for the
	// requested device number.
	ErrUnknownDevice = errors.New("no allocator for device")
)
