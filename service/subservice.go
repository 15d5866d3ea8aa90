package service

import (
	"context"
	"time"

	"chanrpc/calldata"
)

// closeTimeout bounds the round trip of the close convention when Close is
// called without a context.
const closeTimeout = 10 * time.Second

// Subservice is a proxy for a service hosted by the peer under id. It holds a
// non-owning reference to the parent channel.
type Subservice struct {
	parent    SerializedChannel
	id        ChannelID
	observers Observers
}

func NewSubservice(parent SerializedChannel, id ChannelID) *Subservice {
	return &Subservice{parent: parent, id: id}
}

func (s *Subservice) ID() ChannelID { return s.id }

func (s *Subservice) Parent() SerializedChannel { return s.parent }

func (s *Subservice) Call(ctx context.Context, endpoint string, data calldata.CallData) (calldata.CallData, error) {
	if s.observers.Fired() {
		return calldata.Empty, ErrServiceClosed
	}
	return s.parent.Call(ctx, s.id, endpoint, data)
}

// Close sends the close convention upstream and then runs local observers.
func (s *Subservice) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.CloseContext(ctx)
}

func (s *Subservice) CloseContext(ctx context.Context) error {
	if s.observers.Fired() {
		return nil
	}
	err := s.parent.CloseService(ctx, s.id)
	s.observers.Fire()
	return err
}

func (s *Subservice) OnClose(fn func()) { s.observers.Add(fn) }
