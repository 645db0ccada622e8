// Package client is the Go client for the shmstore daemon. It speaks the
// framed unix-socket protocol, receives shared-memory descriptors with
// SCM_RIGHTS and maps object segments into the caller's address space, so
// reads and writes of object bytes never cross the socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/shmstore/shmstore/pkg/oid"
	"github.com/shmstore/shmstore/pkg/proto"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

// Object is a mapped view of a stored object. Data and Metadata alias the
// shared segment directly; they stay valid until the hold that produced
// them is released.
type Object struct {
	ID       oid.ID
	Data     []byte
	Metadata []byte
	Device   int
	// IPCHandle is set for accelerator-resident objects in place of a
	// mapped view; resolving it is up to the caller's device runtime.
	IPCHandle []byte
}

type mapping struct {
	region []byte // full mmap of the segment
	refs   int
}

// Client is a connection to a store daemon. It is safe for concurrent use;
// requests are serialized over the single connection.
type Client struct {
	mu       sync.Mutex
	conn     *net.UnixConn
	closed   bool
	mappings map[oid.ID]*mapping
}

// Dial connects to the store socket.
func Dial(socketPath string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("resolve store address: %w", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	return &Client{
		conn:     conn,
		mappings: make(map[oid.ID]*mapping),
	}, nil
}

// Close drops the connection. The store releases every hold this client had
// outstanding; local mappings are unmapped.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, m := range c.mappings {
		_ = unix.Munmap(m.region)
		delete(c.mappings, id)
	}
	return c.conn.Close()
}

// Create allocates a new host-memory object and returns a writable view.
// The caller fills in the bytes and must Seal before anyone else can Get it.
func (c *Client) Create(id oid.ID, dataSize, metadataSize int64) (*Object, error) {
	return c.CreateOnDevice(id, dataSize, metadataSize, 0)
}

// CreateOnDevice allocates a new object on the given device number. Device 0
// is host memory and returns a mapped view; other devices return an IPC
// handle for the caller's device runtime.
func (c *Client) CreateOnDevice(id oid.ID, dataSize, metadataSize int64, device int) (*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out proto.CreateResponse
	fds, err := c.roundTrip(proto.CmdCreate, proto.CreateRequest{
		ObjectID:     id,
		DataSize:     dataSize,
		MetadataSize: metadataSize,
		Device:       device,
	}, &out)
	if err != nil {
		return nil, err
	}
	return c.objectView(out.Object, fds, unix.PROT_READ|unix.PROT_WRITE)
}

// Seal marks an object immutable. The store fingerprints host objects
// itself; sealing a device object requires SealWithDigest.
func (c *Client) Seal(id oid.ID) error {
	return c.sealDigest(id, "")
}

// SealWithDigest seals an object with a caller-supplied hex digest.
func (c *Client) SealWithDigest(id oid.ID, digest string) error {
	return c.sealDigest(id, digest)
}

func (c *Client) sealDigest(id oid.ID, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out proto.SealResponse
	_, err := c.roundTrip(proto.CmdSeal, proto.SealRequest{ObjectID: id, Digest: digest}, &out)
	return err
}

// Get looks up a sealed object and takes a hold on it. It returns found
// false, without error, when the object is absent or not yet sealed.
func (c *Client) Get(id oid.ID) (*Object, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out proto.GetResponse
	fds, err := c.roundTrip(proto.CmdGet, proto.ObjectRequest{ObjectID: id}, &out)
	if err != nil {
		return nil, false, err
	}
	if !out.Found {
		proto.CloseFDs(fds)
		return nil, false, nil
	}
	obj, err := c.objectView(*out.Object, fds, unix.PROT_READ)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// Release drops one hold on an object. Views obtained from the matching
// Create or Get must not be used afterwards; the last local release unmaps
// the segment.
func (c *Client) Release(id oid.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.roundTrip(proto.CmdRelease, proto.ObjectRequest{ObjectID: id}, nil); err != nil {
		return err
	}
	c.unref(id)
	return nil
}

// Abort discards an object this client created but has not sealed.
func (c *Client) Abort(id oid.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.roundTrip(proto.CmdAbort, proto.ObjectRequest{ObjectID: id}, nil); err != nil {
		return err
	}
	c.unref(id)
	return nil
}

// Delete asks the store to reclaim a sealed, unreferenced object.
func (c *Client) Delete(id oid.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.roundTrip(proto.CmdDelete, proto.ObjectRequest{ObjectID: id}, nil)
	return err
}

// Contains reports whether a sealed object with the given id exists, without
// taking a hold on it.
func (c *Client) Contains(id oid.ID) (bool, error) {
	infos, err := c.List()
	if err != nil {
		return false, err
	}
	for _, info := range infos {
		if info.ObjectID == id && info.State == "sealed" {
			return true, nil
		}
	}
	return false, nil
}

// List returns info records for every live object.
func (c *Client) List() ([]proto.ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out proto.ListResponse
	if _, err := c.roundTrip(proto.CmdList, nil, &out); err != nil {
		return nil, err
	}
	return out.Objects, nil
}

// Status returns store-wide usage.
func (c *Client) Status() (*proto.StatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out proto.StatusResponse
	if _, err := c.roundTrip(proto.CmdStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe switches this connection into notification mode and streams
// seal and removal events until the context is cancelled or the store goes
// away. No other method may be called on the client afterwards; use a
// dedicated client for subscriptions.
func (c *Client) Subscribe(ctx context.Context) (<-chan proto.Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.roundTrip(proto.CmdSubscribe, nil, nil); err != nil {
		return nil, err
	}

	events := make(chan proto.Notification)
	go func() {
		defer close(events)
		for {
			var n proto.Notification
			fds, err := proto.ReadJSON(c.conn, &n)
			proto.CloseFDs(fds)
			if err != nil {
				return
			}
			select {
			case events <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return events, nil
}

// roundTrip sends one request and decodes the response data into out.
// Callers must hold c.mu.
func (c *Client) roundTrip(command string, payload any, out any) ([]int, error) {
	if c.closed {
		return nil, ErrClosed
	}

	req := proto.Request{Command: command}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		req.Payload = raw
	}

	if err := proto.WriteJSON(c.conn, req, nil); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	var resp proto.Response
	fds, err := proto.ReadJSON(c.conn, &resp)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", command, err)
	}
	if !resp.Success {
		proto.CloseFDs(fds)
		return nil, errors.New(resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			proto.CloseFDs(fds)
			return nil, fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return fds, nil
}

// objectView maps (or reuses the mapping of) an object's segment and builds
// the caller's view of it. It consumes the descriptors received with the
// response. Callers must hold c.mu.
func (c *Client) objectView(loc proto.ObjectLocation, fds []int, prot int) (*Object, error) {
	obj := &Object{ID: loc.ObjectID, Device: loc.Device, IPCHandle: loc.IPCHandle}

	if !loc.HasFD {
		// Device-resident object: nothing to map here.
		proto.CloseFDs(fds)
		return obj, nil
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("object %s: response promised a descriptor but none arrived", loc.ObjectID.Short())
	}
	fd := fds[0]
	proto.CloseFDs(fds[1:])

	m, ok := c.mappings[loc.ObjectID]
	if !ok {
		// First hold on this object from this process: map the whole
		// segment. Writable mappings cover the create-then-get case.
		region, err := unix.Mmap(fd, 0, int(loc.MapSize), prot|unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("map object %s: %w", loc.ObjectID.Short(), err)
		}
		m = &mapping{region: region}
		c.mappings[loc.ObjectID] = m
	}
	m.refs++
	_ = unix.Close(fd) // the mapping keeps the segment alive

	obj.Data = m.region[loc.DataOffset : loc.DataOffset+loc.DataSize]
	obj.Metadata = m.region[loc.MetadataOffset : loc.MetadataOffset+loc.MetadataSize]
	return obj, nil
}

// unref drops one local hold and unmaps the segment when the last goes.
// Callers must hold c.mu.
func (c *Client) unref(id oid.ID) {
	m, ok := c.mappings[id]
	if !ok {
		return
	}
	m.refs--
	if m.refs <= 0 {
		_ = unix.Munmap(m.region)
		delete(c.mappings, id)
	}
}
