package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Framing constants.
const (
	// MaxFrameSize bounds a single protocol message. Object bytes never
	// travel through frames, only metadata, so this is generous.
	MaxFrameSize = 1 << 20

	headerSize  = 4
	maxFrameFDs = 4
)

// WriteFrame sends one length-prefixed payload, optionally with file
// descriptors as SCM_RIGHTS ancillary data. Descriptors are attached to the
// first byte of the frame, so a reader that consumes the frame with
// ReadFrame always receives them.
func WriteFrame(conn *net.UnixConn, payload []byte, fds []int) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, _, err := conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return err
	}
	// Stream sockets may split the write; the ancillary data went with
	// the first segment, the rest is plain bytes.
	for n < len(buf) {
		m, err := conn.Write(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// ReadFrame reads one frame and any file descriptors that rode along with
// it. The caller owns the returned descriptors.
func ReadFrame(conn *net.UnixConn) ([]byte, []int, error) {
	var fds []int

	hdr := make([]byte, headerSize)
	if err := readFull(conn, hdr, &fds); err != nil {
		CloseFDs(fds)
		return nil, nil, err
	}

	size := binary.BigEndian.Uint32(hdr)
	if size > MaxFrameSize {
		CloseFDs(fds)
		return nil, nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if err := readFull(conn, payload, &fds); err != nil {
		CloseFDs(fds)
		return nil, nil, err
	}
	return payload, fds, nil
}

// WriteJSON marshals v into a frame.
func WriteJSON(conn *net.UnixConn, v any, fds []int) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return WriteFrame(conn, payload, fds)
}

// ReadJSON reads a frame and unmarshals it into v, returning any received
// descriptors.
func ReadJSON(conn *net.UnixConn, v any) ([]int, error) {
	payload, fds, err := ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		CloseFDs(fds)
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return fds, nil
}

// CloseFDs closes descriptors received with a frame that will not be used.
func CloseFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// readFull fills buf, collecting ancillary descriptors from every segment.
func readFull(conn *net.UnixConn, buf []byte, fds *[]int) error {
	for read := 0; read < len(buf); {
		oob := make([]byte, unix.CmsgSpace(maxFrameFDs*4))
		n, oobn, _, _, err := conn.ReadMsgUnix(buf[read:], oob)
		read += n
		if oobn > 0 {
			received, perr := parseRights(oob[:oobn])
			if perr != nil {
				return perr
			}
			*fds = append(*fds, received...)
		}
		if err != nil {
			return err
		}
		if n == 0 && oobn == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, msg := range msgs {
		received, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue // not SCM_RIGHTS
		}
		fds = append(fds, received...)
	}
	return fds, nil
}
