package transport

import (
	"io"
	"sync"

	"chanrpc/protocol"
)

// pipeEnd is one side of an in-process transport. Frames are copied on
// write so neither side can observe the other's buffers.
type pipeEnd struct {
	in      <-chan *protocol.Frame
	out     chan<- *protocol.Frame
	maxSize int

	// done is shared by both ends: closing either one closes the pipe.
	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two connected transports. maxSize, when positive, caps frame
// bodies so callers can exercise chunking without a network.
func Pipe(maxSize int) (Transport, Transport) {
	ab := make(chan *protocol.Frame, 16)
	ba := make(chan *protocol.Frame, 16)
	done := make(chan struct{})
	once := new(sync.Once)
	a := &pipeEnd{in: ba, out: ab, maxSize: maxSize, done: done, closeOnce: once}
	b := &pipeEnd{in: ab, out: ba, maxSize: maxSize, done: done, closeOnce: once}
	return a, b
}

func (p *pipeEnd) WriteFrame(f *protocol.Frame) error {
	if p.maxSize > 0 && len(f.Body) > p.maxSize {
		return protocol.ErrFrameTooLarge
	}
	cp := &protocol.Frame{Header: f.Header, Body: append([]byte(nil), f.Body...)}
	cp.BodyLen = uint32(len(cp.Body))

	// Check first so a closed pipe never accepts a frame.
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- cp:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) ReadFrame() (*protocol.Frame, error) {
	// Drain frames written before the pipe closed.
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeEnd) MaxSize() int { return p.maxSize }

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
