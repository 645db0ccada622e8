// Package server exposes the object directory over a Unix socket. Every
// client request is serialized into a single dispatch goroutine, which is
// the only code that touches the directory; the directory itself needs no
// locking because of this total ordering.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/shmstore/shmstore/internal/metrics"
	"github.com/shmstore/shmstore/internal/session"
	"github.com/shmstore/shmstore/internal/store"
	"github.com/shmstore/shmstore/pkg/proto"
)

// ErrClientDisconnected marks transport failures of the disconnect class.
// They demote the offending client to disconnected and are never escalated
// into a store-wide fault.
var ErrClientDisconnected = errors.New("client disconnected")

// notifyBuffer is the per-subscriber notification queue depth. A subscriber
// that cannot keep up loses events rather than stalling the store.
const notifyBuffer = 64

// DefaultSocketPath returns the default store socket path.
func DefaultSocketPath() string {
	return "/tmp/shmstore.sock"
}

type clientConn struct {
	conn   *net.UnixConn
	sess   *session.Session
	notify chan proto.Notification
}

// Server is the Unix socket front end of the object store.
type Server struct {
	socketPath string
	dir        *store.Directory
	metrics    *metrics.StoreMetrics
	listener   *net.UnixListener

	// ops is the serialized request stream. Only the dispatch goroutine
	// reads it, and only it mutates the directory, the client registry
	// and the subscriber set.
	ops chan func()

	clients     map[*clientConn]struct{}
	subscribers map[*clientConn]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a store server for the given directory.
func NewServer(socketPath string, dir *store.Directory) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		socketPath:  socketPath,
		dir:         dir,
		ops:         make(chan func()),
		clients:     make(map[*clientConn]struct{}),
		subscribers: make(map[*clientConn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Hooks fire inside directory operations, which only ever run on the
	// dispatch goroutine, so touching the subscriber set here is safe.
	dir.OnSealed(func(info store.Info) { s.broadcast(proto.EventSealed, info) })
	dir.OnRemoved(func(info store.Info) { s.broadcast(proto.EventRemoved, info) })
	return s
}

// SetMetrics attaches store metrics. Optional.
func (s *Server) SetMetrics(m *metrics.StoreMetrics) {
	s.metrics = m
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start begins listening on the store socket.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("resolve socket address: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	s.listener = listener
	log.Info().Str("path", s.socketPath).Msg("store socket listening")

	s.wg.Add(2)
	go s.dispatch()
	go s.acceptLoop()
	return nil
}

// Stop shuts the server down, closing client connections and removing the
// socket.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		if s.listener != nil {
			_ = s.listener.Close()

			// Close client connections on the dispatch goroutine,
			// which still owns the registry, so their read loops
			// unblock.
			done := make(chan struct{})
			s.ops <- func() {
				for c := range s.clients {
					_ = c.conn.Close()
				}
				close(done)
			}
			<-done
		}

		s.cancel()
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("store socket accept error")
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// dispatch is the store's single control loop: it drains the serialized
// operation stream until shutdown.
func (s *Server) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.ops:
			op()
		}
	}
}

// do runs fn on the dispatch goroutine without waiting for it.
func (s *Server) do(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Server) handleConnection(conn *net.UnixConn) {
	defer s.wg.Done()

	c := &clientConn{
		conn:   conn,
		sess:   session.New(),
		notify: make(chan proto.Notification, notifyBuffer),
	}
	s.do(func() { s.addClient(c) })
	defer func() {
		s.do(func() { s.dropClient(c) })
		_ = conn.Close()
	}()

	for {
		var req proto.Request
		fds, err := proto.ReadJSON(conn, &req)
		proto.CloseFDs(fds) // clients never send descriptors
		if err != nil {
			if !isDisconnectError(err) {
				log.Warn().Str("client", c.sess.ID()).Err(err).Msg("bad request, dropping client")
			}
			return
		}

		resp, respFDs := s.execute(c, req)
		if err := proto.WriteJSON(conn, resp, respFDs); err != nil {
			s.reportWriteError(c, err)
			return
		}

		if req.Command == proto.CmdSubscribe && resp.Success {
			// The connection now carries only notifications.
			s.streamNotifications(c)
			return
		}
	}
}

// execute runs one request on the dispatch goroutine and waits for its
// result.
func (s *Server) execute(c *clientConn, req proto.Request) (proto.Response, []int) {
	type result struct {
		resp proto.Response
		fds  []int
	}
	done := make(chan result, 1)

	select {
	case s.ops <- func() {
		resp, fds := s.handleRequest(c, req)
		done <- result{resp, fds}
	}:
	case <-s.ctx.Done():
		return errorResponse("store shutting down"), nil
	}

	select {
	case r := <-done:
		return r.resp, r.fds
	case <-s.ctx.Done():
		return errorResponse("store shutting down"), nil
	}
}

// streamNotifications forwards seal/removal events to a subscribed client
// until it disconnects.
func (s *Server) streamNotifications(c *clientConn) {
	// A subscriber sends nothing further; reading until failure is how we
	// notice the peer going away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, 1)
		for {
			if _, err := c.conn.Read(buf); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-readerDone:
			return
		case n := <-c.notify:
			if err := proto.WriteJSON(c.conn, n, nil); err != nil {
				s.reportWriteError(c, err)
				return
			}
		}
	}
}

// reportWriteError logs a failed send to a client. Disconnect-class errors
// (broken pipe, closed descriptor, reset) are expected when clients die and
// are noted quietly; the caller treats the client as disconnected either way.
func (s *Server) reportWriteError(c *clientConn, err error) {
	if isDisconnectError(err) {
		log.Debug().Str("client", c.sess.ID()).Msg("client hung up")
		return
	}
	log.Warn().Str("client", c.sess.ID()).Err(err).Msg("write to client failed, treating as disconnected")
}

// addClient runs on the dispatch goroutine.
func (s *Server) addClient(c *clientConn) {
	s.clients[c] = struct{}{}
	if s.metrics != nil {
		s.metrics.ConnectedClients.Inc()
	}
	log.Debug().Str("client", c.sess.ID()).Int("clients", len(s.clients)).Msg("client connected")
}

// dropClient runs on the dispatch goroutine. It is idempotent: cleanup
// happens only on the transition out of the registry, so a disconnect
// observed twice releases holds exactly once.
func (s *Server) dropClient(c *clientConn) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	if _, ok := s.subscribers[c]; ok {
		delete(s.subscribers, c)
		if s.metrics != nil {
			s.metrics.Subscribers.Dec()
		}
	}

	s.dir.ReleaseAllFor(c.sess)
	c.sess.Reset()

	if s.metrics != nil {
		s.metrics.ConnectedClients.Dec()
	}
	log.Debug().Str("client", c.sess.ID()).Int("clients", len(s.clients)).Msg("client disconnected")
}

// broadcast runs on the dispatch goroutine.
func (s *Server) broadcast(event string, info store.Info) {
	if len(s.subscribers) == 0 {
		return
	}
	n := proto.Notification{Event: event, Object: infoToProto(info)}
	for c := range s.subscribers {
		select {
		case c.notify <- n:
		default:
			// Subscriber buffer full, skip
			log.Debug().Str("client", c.sess.ID()).Msg("subscriber buffer full, dropping event")
		}
	}
}

func isDisconnectError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EBADF)
}

func errorResponse(msg string) proto.Response {
	return proto.Response{Success: false, Error: msg}
}

func okResponse(v any) proto.Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(fmt.Sprintf("marshal response: %v", err))
	}
	return proto.Response{Success: true, Data: data}
}

func infoToProto(info store.Info) proto.ObjectInfo {
	return proto.ObjectInfo{
		ObjectID:     info.ID,
		DataSize:     info.DataSize,
		MetadataSize: info.MetadataSize,
		Device:       info.Device,
		State:        info.State,
		RefCount:     info.RefCount,
		Digest:       info.Digest,
		CreatedAt:    info.CreatedAt,
		Owner:        info.Owner,
	}
}
