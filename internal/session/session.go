// Package session tracks per-client state for the shmstore daemon: which
// objects a connected client currently holds, which unsealed objects it
// created, and whether it subscribed to seal notifications. The directory
// consults this table only on disconnect; the hot get/release path touches
// it just to keep the counters current.
package session

import (
	"github.com/google/uuid"

	"github.com/shmstore/shmstore/pkg/oid"
)

// Session is the state of one connected client.
type Session struct {
	id         string
	holds      map[oid.ID]int
	unsealed   map[oid.ID]struct{}
	subscribed bool
}

// New creates a session with a fresh identifier.
func New() *Session {
	return &Session{
		id:       uuid.NewString(),
		holds:    make(map[oid.ID]int),
		unsealed: make(map[oid.ID]struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// AddHold records one hold on an object (a successful Create or Get).
func (s *Session) AddHold(id oid.ID) {
	s.holds[id]++
}

// DropHold removes one hold. It reports false if the client does not hold
// the object, so the server can reject the release before it ever reaches
// the directory and corrupts another client's reference count.
func (s *Session) DropHold(id oid.ID) bool {
	n, ok := s.holds[id]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(s.holds, id)
	} else {
		s.holds[id] = n - 1
	}
	return true
}

// Holds reports whether the client has at least one hold on the object.
func (s *Session) Holds(id oid.ID) bool {
	return s.holds[id] > 0
}

// ForgetObject drops all session state for an object that no longer exists,
// for example after its creator aborted it.
func (s *Session) ForgetObject(id oid.ID) {
	delete(s.holds, id)
	delete(s.unsealed, id)
}

// TrackCreate records that the client created an object not yet sealed.
func (s *Session) TrackCreate(id oid.ID) {
	s.unsealed[id] = struct{}{}
}

// MarkSealed records that a tracked object was sealed.
func (s *Session) MarkSealed(id oid.ID) {
	delete(s.unsealed, id)
}

// CreatedUnsealed reports whether the client created the object and has not
// sealed it yet.
func (s *Session) CreatedUnsealed(id oid.ID) bool {
	_, ok := s.unsealed[id]
	return ok
}

// SetSubscribed flags the client as a seal-notification subscriber.
func (s *Session) SetSubscribed(v bool) {
	s.subscribed = v
}

// Subscribed reports whether the client receives seal notifications.
func (s *Session) Subscribed() bool {
	return s.subscribed
}

// HeldObjects returns a copy of the outstanding hold counts. Implements
// the directory's disconnect-cleanup view.
func (s *Session) HeldObjects() map[oid.ID]int {
	out := make(map[oid.ID]int, len(s.holds))
	for id, n := range s.holds {
		out[id] = n
	}
	return out
}

// UnsealedObjects returns the objects the client created but never sealed.
// Implements the directory's disconnect-cleanup view.
func (s *Session) UnsealedObjects() []oid.ID {
	out := make([]oid.ID, 0, len(s.unsealed))
	for id := range s.unsealed {
		out = append(out, id)
	}
	return out
}

// Reset clears all state so that repeating disconnect cleanup is a no-op.
func (s *Session) Reset() {
	s.holds = make(map[oid.ID]int)
	s.unsealed = make(map[oid.ID]struct{})
	s.subscribed = false
}
