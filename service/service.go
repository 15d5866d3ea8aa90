// Package service defines the call surface shared by hosted services and the
// proxies that reach them across a channel.
//
// A SerializedService answers Call(endpoint, data). A SerializedChannel is the
// connection-level view: it routes a call to any hosted service by ChannelID.
// Subservice binds the two together so a service returned from a remote call
// is callable without opening another transport.
package service

import (
	"context"
	"errors"

	"chanrpc/calldata"
)

// ChannelID names one hosted service instance on a connection.
type ChannelID string

// DefaultChannel is the reserved id of the service registered at connection
// setup.
const DefaultChannel ChannelID = ""

func (id ChannelID) IsDefault() bool { return id == DefaultChannel }

func (id ChannelID) String() string {
	if id == DefaultChannel {
		return "<default>"
	}
	return string(id)
}

var (
	ErrEndpointNotFound    = errors.New("service: endpoint not found")
	ErrServiceClosed       = errors.New("service: closed")
	ErrDescriptorNotFound  = errors.New("service: descriptor not registered")
	ErrDuplicateDescriptor = errors.New("service: descriptor already registered")
	ErrNoRegistrar         = errors.New("service: no registrar in context")
)

// SerializedService is implemented by hosted services and remote proxies
// alike. An empty endpoint is reserved for closing the service and is never
// dispatched to a handler.
type SerializedService interface {
	Call(ctx context.Context, endpoint string, data calldata.CallData) (calldata.CallData, error)
	Close() error
	OnClose(fn func())
}

// SerializedChannel is one side of a connection able to reach every service
// the peer hosts.
type SerializedChannel interface {
	Call(ctx context.Context, id ChannelID, endpoint string, data calldata.CallData) (calldata.CallData, error)
	CloseService(ctx context.Context, id ChannelID) error
}

// ChannelBound is implemented by proxies that know which channel they ride
// on, so services they return can be bound to the same channel.
type ChannelBound interface {
	Parent() SerializedChannel
	ID() ChannelID
}
