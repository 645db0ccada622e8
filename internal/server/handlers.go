package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/shmstore/shmstore/internal/store"
	"github.com/shmstore/shmstore/pkg/proto"
)

// handleRequest runs on the dispatch goroutine and executes one client
// command against the directory.
func (s *Server) handleRequest(c *clientConn, req proto.Request) (proto.Response, []int) {
	switch req.Command {
	case proto.CmdCreate:
		return s.handleCreate(c, req.Payload)
	case proto.CmdSeal:
		resp := s.handleSeal(c, req.Payload)
		return resp, nil
	case proto.CmdGet:
		return s.handleGet(c, req.Payload)
	case proto.CmdRelease:
		return s.handleRelease(c, req.Payload), nil
	case proto.CmdAbort:
		return s.handleAbort(c, req.Payload), nil
	case proto.CmdDelete:
		return s.handleDelete(c, req.Payload), nil
	case proto.CmdList:
		return s.handleList(), nil
	case proto.CmdStatus:
		return s.handleStatus(), nil
	case proto.CmdSubscribe:
		return s.handleSubscribe(c), nil
	default:
		return errorResponse(fmt.Sprintf("unknown command: %s", req.Command)), nil
	}
}

func (s *Server) handleCreate(c *clientConn, payload json.RawMessage) (proto.Response, []int) {
	var req proto.CreateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(fmt.Sprintf("invalid payload: %v", err)), nil
	}
	if req.ObjectID.IsNil() {
		return errorResponse("object id is required"), nil
	}

	entry, err := s.dir.Create(req.ObjectID, req.DataSize, req.MetadataSize, req.Device, c.sess.ID())
	if err != nil {
		return errorResponse(err.Error()), nil
	}

	c.sess.AddHold(req.ObjectID)
	c.sess.TrackCreate(req.ObjectID)

	loc, fds := locationOf(entry)
	return okResponse(proto.CreateResponse{Object: loc}), fds
}

func (s *Server) handleSeal(c *clientConn, payload json.RawMessage) proto.Response {
	var req proto.SealRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(fmt.Sprintf("invalid payload: %v", err))
	}
	// Only the creator may seal: the object is not visible to anyone
	// else while CREATED.
	if !c.sess.CreatedUnsealed(req.ObjectID) {
		return errorResponse("object was not created by this client or is already sealed")
	}

	var digest store.Digest
	if req.Digest != "" {
		parsed, err := store.ParseDigest(req.Digest)
		if err != nil {
			return errorResponse(err.Error())
		}
		digest = parsed
	}

	entry, err := s.dir.Seal(req.ObjectID, digest)
	if err != nil {
		return errorResponse(err.Error())
	}
	c.sess.MarkSealed(req.ObjectID)

	return okResponse(proto.SealResponse{ObjectID: req.ObjectID, Digest: entry.Digest.String()})
}

func (s *Server) handleGet(c *clientConn, payload json.RawMessage) (proto.Response, []int) {
	var req proto.ObjectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	entry, err := s.dir.Get(req.ObjectID)
	if errors.Is(err, store.ErrObjectNotFound) {
		// Soft miss: the caller may be polling for an object not yet
		// produced.
		return okResponse(proto.GetResponse{Found: false}), nil
	}
	if err != nil {
		return errorResponse(err.Error()), nil
	}

	c.sess.AddHold(req.ObjectID)

	loc, fds := locationOf(entry)
	return okResponse(proto.GetResponse{Found: true, Object: &loc}), fds
}

func (s *Server) handleRelease(c *clientConn, payload json.RawMessage) proto.Response {
	var req proto.ObjectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(fmt.Sprintf("invalid payload: %v", err))
	}
	// Guard the global count with the per-session ledger so one client
	// cannot drain holds belonging to another.
	if !c.sess.Holds(req.ObjectID) {
		log.Error().
			Str("client", c.sess.ID()).
			Str("object", req.ObjectID.Short()).
			Msg("release of object the client does not hold")
		return errorResponse(store.ErrRefCountUnderflow.Error())
	}

	if err := s.dir.Release(req.ObjectID); err != nil {
		return errorResponse(err.Error())
	}
	c.sess.DropHold(req.ObjectID)
	return proto.Response{Success: true}
}

func (s *Server) handleAbort(c *clientConn, payload json.RawMessage) proto.Response {
	var req proto.ObjectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(fmt.Sprintf("invalid payload: %v", err))
	}
	if !c.sess.CreatedUnsealed(req.ObjectID) {
		return errorResponse("only the creator may abort an unsealed object")
	}

	if err := s.dir.Abort(req.ObjectID); err != nil {
		return errorResponse(err.Error())
	}
	c.sess.ForgetObject(req.ObjectID)
	return proto.Response{Success: true}
}

func (s *Server) handleDelete(c *clientConn, payload json.RawMessage) proto.Response {
	var req proto.ObjectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(fmt.Sprintf("invalid payload: %v", err))
	}

	if err := s.dir.Delete(req.ObjectID); err != nil {
		return errorResponse(err.Error())
	}
	c.sess.ForgetObject(req.ObjectID)
	return proto.Response{Success: true}
}

func (s *Server) handleList() proto.Response {
	infos := s.dir.List()
	objects := make([]proto.ObjectInfo, 0, len(infos))
	for _, info := range infos {
		objects = append(objects, infoToProto(info))
	}
	return okResponse(proto.ListResponse{Objects: objects})
}

func (s *Server) handleStatus() proto.Response {
	stats := s.dir.StatsByDevice()
	domains := make([]proto.DomainStats, 0, len(stats))
	for _, st := range stats {
		domains = append(domains, proto.DomainStats{
			Device:   st.Device,
			Capacity: st.Capacity,
			Used:     st.Used,
			Objects:  st.Objects,
			Sealed:   st.Sealed,
		})
	}
	return okResponse(proto.StatusResponse{Domains: domains, Clients: len(s.clients)})
}

func (s *Server) handleSubscribe(c *clientConn) proto.Response {
	c.sess.SetSubscribed(true)
	s.subscribers[c] = struct{}{}
	if s.metrics != nil {
		s.metrics.Subscribers.Inc()
	}
	log.Debug().Str("client", c.sess.ID()).Msg("client subscribed to object notifications")
	return proto.Response{Success: true}
}

// locationOf builds the wire location record for an entry. The returned
// descriptors, if any, must be sent with the response frame; the caller's
// hold on the entry keeps them open until then.
func locationOf(entry *store.Entry) (proto.ObjectLocation, []int) {
	loc := proto.ObjectLocation{
		ObjectID:       entry.ID,
		Segment:        entry.Alloc.Segment,
		MapSize:        entry.Alloc.MapSize,
		DataOffset:     entry.Alloc.Offset,
		MetadataOffset: entry.Alloc.Offset + entry.DataSize,
		DataSize:       entry.DataSize,
		MetadataSize:   entry.MetadataSize,
		Device:         entry.Device,
		IPCHandle:      entry.Alloc.IPCHandle,
	}
	if entry.Alloc.FD >= 0 {
		loc.HasFD = true
		return loc, []int{entry.Alloc.FD}
	}
	return loc, nil
}
