// Package channel turns a frame transport into a multiplexed, bidirectional
// call conduit.
//
//	caller-1 ──Call(seq=1)──┐                        ┌──> host: inbound request(seq=7)
//	caller-2 ──Call(seq=2)──┼──> one transport <─────┤
//	caller-3 ──Call(seq=3)──┘                        └──> pending[2] <── response(seq=2)
//
// Outgoing calls take a correlation id from a multichannel registry, send
// their packet, and wait on the id. A single receive loop reads every frame,
// reassembles packets, completes pending ids from responses, and hands
// requests to the host connection on their own goroutine so a slow handler
// never blocks other traffic. Requests and responses use separate id spaces:
// both peers may allocate the same seq.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"chanrpc/calldata"
	"chanrpc/config"
	"chanrpc/host"
	"chanrpc/multichannel"
	"chanrpc/protocol"
	"chanrpc/service"
	"chanrpc/transport"
)

var (
	// ErrChannelClosed is returned by calls issued after the channel began
	// closing.
	ErrChannelClosed = errors.New("channel: closed")

	// ErrPeerClosed is the close reason when the peer closed the default
	// channel or hung up cleanly.
	ErrPeerClosed = errors.New("channel: closed by peer")
)

const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

// Channel is one end of a connection. It is safe for concurrent use.
type Channel struct {
	transport transport.Transport
	host      *host.Connection
	logger    hclog.Logger
	metrics   *metrics.Metrics

	codecType   byte
	maxBody     int
	maxPacket   int
	heartbeat   time.Duration
	callTimeout time.Duration

	pending *multichannel.Registry[calldata.CallData]

	// sendMu serializes frames on the wire. It is distinct from the host's
	// registry lock so dispatching never contends with sending.
	sendMu sync.Mutex

	state atomic.Int32

	// ctx is cancelled when the channel starts closing. Inbound handlers and
	// both loops run under it.
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// inflight tracks inbound dispatch goroutines.
	inflight sync.WaitGroup

	// peerClosing is set while the peer's close of the default channel is
	// being acknowledged.
	peerClosing atomic.Bool

	reason       error
	closeErr     error
	shutdownDone chan struct{}
	// loopsDone is closed once both loops exited and teardown finished.
	loopsDone chan struct{}
	done      chan struct{}
}

// New starts a channel over t. Inbound calls are dispatched to h; a nil h
// hosts nothing. The channel owns both t and h from here on.
func New(t transport.Transport, h *host.Connection, conf *config.Config) *Channel {
	conf = config.DefaultConfig().Merge(conf)
	logger := conf.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("channel")
	if h == nil {
		h = host.New(logger)
	}

	maxBody := t.MaxSize()
	if maxBody <= 0 {
		maxBody = conf.MaxFrameSize
	}

	m := conf.Metrics
	if m == nil {
		m = metrics.Default()
	}

	c := &Channel{
		transport:    t,
		host:         h,
		logger:       logger,
		metrics:      m,
		codecType:    byte(conf.CodecImpl().Type()),
		maxBody:      maxBody,
		maxPacket:    conf.MaxPacketSize,
		heartbeat:    conf.HeartbeatInterval,
		callTimeout:  conf.CallTimeout,
		pending:      multichannel.New[calldata.CallData](),
		shutdownDone: make(chan struct{}),
		loopsDone:    make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	// A host closed from elsewhere takes the channel down with it. When the
	// peer asked for the close, handleRequest shuts down after the ack.
	h.OnClose(func() {
		if !c.peerClosing.Load() {
			c.shutdown(host.ErrClosed)
		}
	})

	g, gctx := errgroup.WithContext(c.ctx)
	c.group = g
	g.Go(c.recvLoop)
	if c.heartbeat > 0 {
		g.Go(func() error { return c.heartbeatLoop(gctx) })
	}
	go c.monitor()

	c.logger.Debug("channel opened", "max_frame", maxBody, "heartbeat", c.heartbeat)
	return c
}

// monitor waits for both loops, finishes teardown and releases Done.
func (c *Channel) monitor() {
	err := c.group.Wait()
	c.shutdown(err)
	<-c.shutdownDone
	close(c.loopsDone)
	c.inflight.Wait()
	c.state.Store(stateClosed)
	close(c.done)
}

// Host returns the host connection serving the peer's calls.
func (c *Channel) Host() *host.Connection { return c.host }

// Default returns a proxy for the peer's default service. Closing it closes
// the connection.
func (c *Channel) Default() *service.Subservice {
	return service.NewSubservice(c, service.DefaultChannel)
}

// Service returns a proxy for the peer's service hosted under id.
func (c *Channel) Service(id service.ChannelID) *service.Subservice {
	return service.NewSubservice(c, id)
}

// Call sends one call to the service the peer hosts under id and waits for
// its response. The returned payload may be an error envelope; callers check
// IsError before using it. The call fails with a *multichannel.CancelledError
// if the channel closes first.
func (c *Channel) Call(ctx context.Context, id service.ChannelID, endpoint string, data calldata.CallData) (calldata.CallData, error) {
	if c.state.Load() != stateOpen {
		data.Close()
		return calldata.Empty, ErrChannelClosed
	}
	if c.callTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
	}

	seq, fut, err := c.pending.Allocate()
	if err != nil {
		data.Close()
		if errors.Is(err, multichannel.ErrClosed) {
			return calldata.Empty, ErrChannelClosed
		}
		return calldata.Empty, err
	}

	h := protocol.Header{CodecType: c.codecType, MsgType: protocol.MsgTypeRequest, Seq: seq}
	if err := c.sendPacket(h, endpoint, string(id), data); err != nil {
		c.pending.Release(seq)
		return calldata.Empty, err
	}

	c.logger.Trace("call sent", "seq", seq, "channel", id, "endpoint", endpoint)
	return fut.Await(ctx)
}

// CloseService sends the close convention for id. Closing the default
// channel closes the whole connection once the peer acknowledged.
func (c *Channel) CloseService(ctx context.Context, id service.ChannelID) error {
	out, err := c.Call(ctx, id, "", calldata.Empty)
	if id.IsDefault() {
		closeErr := c.Close()
		if err == nil {
			err = closeErr
		}
	}
	if err != nil {
		return err
	}
	return out.AsError()
}

// Close cancels every pending call, closes the host and the transport, and
// waits for the receive loop to exit. Inbound handlers see their context
// cancelled; Close does not wait for them, so a handler may close its own
// channel. Done reports when they returned.
func (c *Channel) Close() error {
	c.shutdown(nil)
	<-c.loopsDone
	return c.closeErr
}

// Done is closed once the channel is fully closed and every inbound handler
// returned.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the channel closed: nil while open or after a local
// Close, the transport or protocol failure otherwise.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.reason
	default:
		return nil
	}
}

// Closed reports whether the channel stopped accepting calls.
func (c *Channel) Closed() bool { return c.state.Load() != stateOpen }

func (c *Channel) shutdown(reason error) {
	if !c.state.CompareAndSwap(stateOpen, stateClosing) {
		return
	}
	c.reason = reason

	cause := reason
	if cause == nil {
		cause = ErrChannelClosed
	}
	if reason != nil && !errors.Is(reason, ErrPeerClosed) && !errors.Is(reason, host.ErrClosed) {
		c.logger.Error("channel failed", "error", reason)
	} else {
		c.logger.Debug("channel closing", "reason", cause)
	}

	c.cancel()
	c.pending.Close(cause)

	var mErr *multierror.Error
	if err := c.host.Close(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if err := c.transport.Close(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	c.closeErr = mErr.ErrorOrNil()
	close(c.shutdownDone)
}

// sendError marks a failure of the transport itself, as opposed to a
// failure reading the payload being sent.
type sendError struct{ err error }

func (e *sendError) Error() string { return e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// WriteFrame sends one frame under the send lock. Frames of different
// packets may interleave; the receiver reassembles by (msgType, seq).
func (c *Channel) WriteFrame(f *protocol.Frame) error {
	c.sendMu.Lock()
	err := c.transport.WriteFrame(f)
	c.sendMu.Unlock()
	if err != nil {
		return &sendError{err}
	}
	c.metrics.IncrCounter([]string{"chanrpc", "channel", "frames_sent"}, 1)
	return nil
}

func (c *Channel) sendPacket(h protocol.Header, endpoint, channelID string, data calldata.CallData) error {
	var payload io.Reader
	if data.IsBinary() {
		h.Flags |= protocol.FlagBinary
		stream, _ := data.ReadBinary()
		defer stream.Close()
		payload = stream
	} else {
		s, _ := data.ReadSerialized()
		payload = strings.NewReader(s)
	}

	err := protocol.WritePacket(c, h, endpoint, channelID, payload, c.maxBody)
	var se *sendError
	if errors.As(err, &se) {
		if c.state.Load() != stateOpen {
			return ErrChannelClosed
		}
		c.shutdown(fmt.Errorf("send failed: %w", se.err))
		return fmt.Errorf("%w: %w", ErrChannelClosed, se.err)
	}
	return err
}

func (c *Channel) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f := &protocol.Frame{Header: protocol.Header{CodecType: c.codecType, MsgType: protocol.MsgTypeHeartbeat}}
			if err := c.WriteFrame(f); err != nil {
				if c.state.Load() != stateOpen {
					return nil
				}
				// Closing the transport unblocks the receive loop.
				err = fmt.Errorf("heartbeat: %w", err)
				c.shutdown(err)
				return err
			}
		}
	}
}

// recvLoop is the single reader of the transport. It always returns a
// non-nil error so the errgroup context is cancelled and the heartbeat loop
// stops with it.
func (c *Channel) recvLoop() error {
	asm := protocol.NewAssembler(c.maxPacket)
	for {
		f, err := c.transport.ReadFrame()
		if err != nil {
			if c.state.Load() != stateOpen {
				return ErrChannelClosed
			}
			if errors.Is(err, io.EOF) {
				return ErrPeerClosed
			}
			return fmt.Errorf("receive failed: %w", err)
		}
		c.metrics.IncrCounter([]string{"chanrpc", "channel", "frames_received"}, 1)

		if f.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		p, err := asm.Add(f)
		if errors.Is(err, protocol.ErrAborted) {
			c.aborted(p)
			continue
		}
		if err != nil {
			return c.protocolError(err)
		}
		if p == nil {
			continue
		}

		switch p.Type {
		case protocol.MsgTypeResponse:
			if err := c.pending.Complete(p.Seq, toCallData(p)); err != nil {
				if errors.Is(err, multichannel.ErrClosed) {
					return ErrChannelClosed
				}
				return c.protocolError(err)
			}
		case protocol.MsgTypeRequest:
			c.inflight.Add(1)
			go c.handleRequest(p)
		}
	}
}

func (c *Channel) protocolError(err error) error {
	c.metrics.IncrCounter([]string{"chanrpc", "channel", "protocol_errors"}, 1)
	return fmt.Errorf("protocol error: %w", err)
}

// aborted handles a packet the peer gave up on mid-stream.
func (c *Channel) aborted(p *protocol.Packet) {
	c.logger.Debug("peer aborted packet", "type", p.Type, "seq", p.Seq)
	if p.Type == protocol.MsgTypeResponse {
		// Unknown ids are already gone; nothing else waits on them.
		_ = c.pending.Fail(p.Seq, fmt.Errorf("response %d: %w", p.Seq, protocol.ErrAborted))
	}
}

func (c *Channel) handleRequest(p *protocol.Packet) {
	defer c.inflight.Done()

	id := service.ChannelID(p.Channel)
	closeConn := p.Endpoint == "" && id.IsDefault()
	if closeConn {
		c.peerClosing.Store(true)
	}
	out, err := c.host.Call(c.ctx, id, p.Endpoint, toCallData(p))
	if err != nil {
		out = calldata.FromError(err)
	}

	h := protocol.Header{CodecType: c.codecType, MsgType: protocol.MsgTypeResponse, Seq: p.Seq}
	if err := c.sendPacket(h, "", "", out); err != nil {
		c.logger.Debug("failed to send response", "seq", p.Seq, "endpoint", p.Endpoint, "error", err)
	}

	if closeConn {
		// The peer closed the connection; its acknowledgement is out.
		c.shutdown(ErrPeerClosed)
	}
}

func toCallData(p *protocol.Packet) calldata.CallData {
	if p.Binary {
		return calldata.CreateBinary(io.NopCloser(bytes.NewReader(p.Payload)))
	}
	return calldata.Create(string(p.Payload))
}

var _ service.SerializedChannel = (*Channel)(nil)
