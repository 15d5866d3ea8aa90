package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"chanrpc/protocol"
)

// Stream frames packets over a byte stream: header, then body, repeated.
type Stream struct {
	rwc     io.ReadWriteCloser
	r       *bufio.Reader
	maxSize int

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps rwc. maxSize bounds outgoing frame bodies and is also the
// largest body accepted from the peer; 0 uses protocol.MaxBodyLen.
func NewStream(rwc io.ReadWriteCloser, maxSize int) *Stream {
	if maxSize <= 0 || uint64(maxSize) > uint64(protocol.MaxBodyLen) {
		maxSize = 0
	}
	return &Stream{
		rwc:     rwc,
		r:       bufio.NewReader(rwc),
		maxSize: maxSize,
	}
}

// Dial connects to address and wraps the connection in a Stream.
func Dial(ctx context.Context, network, address string, maxSize int) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewStream(conn, maxSize), nil
}

func (s *Stream) WriteFrame(f *protocol.Frame) error {
	return protocol.Encode(s.rwc, &f.Header, f.Body)
}

func (s *Stream) ReadFrame() (*protocol.Frame, error) {
	limit := protocol.MaxBodyLen
	if s.maxSize > 0 {
		limit = uint32(s.maxSize)
	}
	h, body, err := protocol.DecodeMax(s.r, limit)
	if err != nil {
		return nil, err
	}
	return &protocol.Frame{Header: *h, Body: body}, nil
}

func (s *Stream) MaxSize() int { return s.maxSize }

// RemoteAddr returns the peer address when the stream is a network
// connection.
func (s *Stream) RemoteAddr() string {
	if c, ok := s.rwc.(net.Conn); ok {
		return c.RemoteAddr().String()
	}
	return ""
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}
