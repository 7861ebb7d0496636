package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const (
	// HeaderSize is the length prefix size in bytes.
	HeaderSize = 4

	// MaxFrameSize caps a single payload.
	MaxFrameSize = 16 << 20
)

var (
	// ErrPeerClosed is returned when the peer hung up or sent a zero-length frame.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrFrameTooLarge is returned for payloads over MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMalformed is returned when a payload is not the expected JSON record.
	ErrMalformed = errors.New("malformed message")
)

// WriteFrame writes a 4-byte big-endian length followed by payload in one call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. A zero length prefix, or EOF anywhere in the
// frame, reports ErrPeerClosed.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, ErrPeerClosed
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: truncated length prefix", ErrPeerClosed)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrPeerClosed
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame", ErrPeerClosed)
		}
		return nil, err
	}

	return payload, nil
}

// Conn frames JSON records over a net.Conn. Send is safe for concurrent use;
// Receive must only be called from one goroutine.
type Conn struct {
	conn net.Conn
	wmu  sync.Mutex
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Send marshals v and writes it as one frame.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.conn, data)
}

// Receive reads one frame and unmarshals it into v.
func (c *Conn) Receive(v any) error {
	data, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// RemoteAddr returns the peer address as a string.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
