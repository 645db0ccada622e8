// Package proto defines the client protocol messages for shmstore and the
// unix-socket framing that carries them, including descriptor passing for
// shared-memory segments.
package proto

import (
	"encoding/json"
	"time"

	"github.com/shmstore/shmstore/pkg/oid"
)

// Commands understood by the store.
const (
	CmdCreate    = "object.create"
	CmdSeal      = "object.seal"
	CmdGet       = "object.get"
	CmdRelease   = "object.release"
	CmdAbort     = "object.abort"
	CmdDelete    = "object.delete"
	CmdList      = "store.list"
	CmdStatus    = "store.status"
	CmdSubscribe = "store.subscribe"
)

// Request is a command sent by a client.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the store's reply to a request.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CreateRequest asks the store to allocate a new object.
type CreateRequest struct {
	ObjectID     oid.ID `json:"object_id"`
	DataSize     int64  `json:"data_size"`
	MetadataSize int64  `json:"metadata_size"`
	Device       int    `json:"device_num"`
}

// SealRequest marks an object immutable. Digest is the hex content
// fingerprint; host objects may leave it empty and let the store compute it.
type SealRequest struct {
	ObjectID oid.ID `json:"object_id"`
	Digest   string `json:"digest,omitempty"`
}

// ObjectRequest carries just an identifier (get, release, abort, delete).
type ObjectRequest struct {
	ObjectID oid.ID `json:"object_id"`
}

// ObjectLocation is the metadata record a client needs to independently map
// an object's backing segment: the segment handle plus offsets and sizes.
// For host objects the segment's file descriptor accompanies the response
// out of band; for accelerator objects IPCHandle is resolved by the
// client's own device runtime instead.
type ObjectLocation struct {
	ObjectID       oid.ID `json:"object_id"`
	Segment        string `json:"segment"`
	MapSize        int64  `json:"map_size"`
	DataOffset     int64  `json:"data_offset"`
	MetadataOffset int64  `json:"metadata_offset"`
	DataSize       int64  `json:"data_size"`
	MetadataSize   int64  `json:"metadata_size"`
	Device         int    `json:"device_num"`
	IPCHandle      []byte `json:"ipc_handle,omitempty"`
	// HasFD tells the client a segment descriptor rides along with this
	// message as ancillary data.
	HasFD bool `json:"has_fd"`
}

// CreateResponse returns the location of a freshly allocated object.
type CreateResponse struct {
	Object ObjectLocation `json:"object"`
}

// GetResponse reports a lookup result. Found is false for absent or not yet
// sealed objects; clients poll rather than treat that as an error.
type GetResponse struct {
	Found  bool            `json:"found"`
	Object *ObjectLocation `json:"object,omitempty"`
}

// SealResponse confirms a seal and carries the stored digest.
type SealResponse struct {
	ObjectID oid.ID `json:"object_id"`
	Digest   string `json:"digest"`
}

// ObjectInfo describes an object for listings and notifications.
type ObjectInfo struct {
	ObjectID     oid.ID    `json:"object_id"`
	DataSize     int64     `json:"data_size"`
	MetadataSize int64     `json:"metadata_size"`
	Device       int       `json:"device_num"`
	State        string    `json:"state"`
	RefCount     int       `json:"ref_count"`
	Digest       string    `json:"digest,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Owner        string    `json:"owner"`
}

// ListResponse enumerates live objects.
type ListResponse struct {
	Objects []ObjectInfo `json:"objects"`
}

// DomainStats summarizes one placement domain.
type DomainStats struct {
	Device   int   `json:"device_num"`
	Capacity int64 `json:"capacity_bytes"`
	Used     int64 `json:"used_bytes"`
	Objects  int   `json:"objects"`
	Sealed   int   `json:"sealed"`
}

// StatusResponse reports store-wide usage.
type StatusResponse struct {
	Domains []DomainStats `json:"domains"`
	Clients int           `json:"clients"`
}

// Notification events.
const (
	EventSealed  = "sealed"
	EventRemoved = "removed"
)

// Notification is pushed to subscribed clients on every seal and removal.
// After a successful subscribe, the connection carries only notifications.
type Notification struct {
	Event  string     `json:"event"`
	Object ObjectInfo `json:"object"`
}
