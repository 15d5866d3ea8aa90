// Package transport binds the frame protocol to concrete conduits: byte
// streams (TCP, unix sockets, anything io.ReadWriteCloser), WebSocket
// messages, and an in-process pipe.
//
// A Transport moves whole frames. It does not serialize concurrent writers;
// the channel on top holds the send lock. Exactly one goroutine may call
// ReadFrame.
package transport

import (
	"errors"

	"chanrpc/protocol"
)

var ErrClosed = errors.New("transport: closed")

type Transport interface {
	protocol.FrameWriter

	// ReadFrame blocks until the next frame arrives. It returns io.EOF once
	// the peer went away cleanly.
	ReadFrame() (*protocol.Frame, error)

	// MaxSize is the largest frame body the transport can carry, or 0 if
	// it has no limit of its own.
	MaxSize() int

	Close() error
}
