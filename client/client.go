// Package client connects to a server and keeps the connection alive.
//
// Dial and DialWebSocket open a single channel. Client wraps a dialer and
// redials when its channel goes away:
//
//	Client.Call ──> current channel ──(closed)──> backoff ──> dial ──> new channel
//
// Sub-service ids belong to the connection that minted them; after a redial
// calls on an old id fail with a not-found envelope.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/go-hclog"

	"chanrpc/calldata"
	"chanrpc/channel"
	"chanrpc/config"
	"chanrpc/host"
	"chanrpc/middleware"
	"chanrpc/multichannel"
	"chanrpc/service"
	"chanrpc/transport"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("client: closed")

// Dialer opens a new transport to the server.
type Dialer func(ctx context.Context) (transport.Transport, error)

// LocalFactory builds the service a client hosts for the server's calls.
type LocalFactory func() (service.SerializedService, error)

// TCPDialer dials address with frames capped at conf.MaxFrameSize.
func TCPDialer(network, address string, conf *config.Config) Dialer {
	conf = config.DefaultConfig().Merge(conf)
	return func(ctx context.Context) (transport.Transport, error) {
		return transport.Dial(ctx, network, address, conf.MaxFrameSize)
	}
}

// WebSocketDialer dials a websocket url.
func WebSocketDialer(url string, header http.Header) Dialer {
	return func(ctx context.Context) (transport.Transport, error) {
		return transport.DialWebSocket(ctx, url, header, transport.DefaultWebSocketMessageSize)
	}
}

// Dial opens one channel over TCP. It hosts nothing for the server.
func Dial(ctx context.Context, network, address string, conf *config.Config) (*channel.Channel, error) {
	return connect(ctx, TCPDialer(network, address, conf), conf, nil)
}

// DialWebSocket opens one channel over a websocket.
func DialWebSocket(ctx context.Context, url string, header http.Header, conf *config.Config) (*channel.Channel, error) {
	return connect(ctx, WebSocketDialer(url, header), conf, nil)
}

func connect(ctx context.Context, dial Dialer, conf *config.Config, local LocalFactory) (*channel.Channel, error) {
	conf = config.DefaultConfig().Merge(conf)
	t, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	h := host.New(conf.Logger)
	if local != nil {
		svc, err := local()
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("creating local service: %w", err)
		}
		if err := h.RegisterDefault(svc); err != nil {
			t.Close()
			return nil, err
		}
	}
	return channel.New(t, h, conf), nil
}

// Client is a SerializedChannel that survives reconnects. It is safe for
// concurrent use.
type Client struct {
	dial   Dialer
	local  LocalFactory
	conf   *config.Config
	logger hclog.Logger
	retry  middleware.RetryPolicy
	call   middleware.HandlerFunc

	mu     sync.Mutex
	ch     *channel.Channel
	closed bool
}

// New creates a client. No connection is made until the first call. local
// may be nil.
func New(dial Dialer, conf *config.Config, local LocalFactory) *Client {
	conf = config.DefaultConfig().Merge(conf)
	c := &Client{
		dial:   dial,
		local:  local,
		conf:   conf,
		logger: conf.Logger.Named("client"),
	}
	c.retry = middleware.RetryPolicy{
		MaxRetries: conf.MaxRetries,
		BaseDelay:  conf.RetryBaseDelay,
		MaxDelay:   conf.RetryMaxDelay,
		Retryable:  reconnectable,
		Logger:     c.logger,
	}
	c.call = middleware.Retry(c.retry)(c.invoke)
	return c
}

// Channel returns the live channel, dialing with backoff when there is
// none. Dialing is retried up to MaxRetries times.
func (c *Client) Channel(ctx context.Context) (*channel.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.ch != nil && !c.ch.Closed() {
		return c.ch, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.conf.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.retry.Wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
		ch, err := connect(ctx, c.dial, c.conf, c.local)
		if err == nil {
			if c.ch != nil {
				c.logger.Info("reconnected", "attempt", attempt)
			}
			c.ch = ch
			return ch, nil
		}
		lastErr = err
		c.logger.Warn("dial failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("dial failed after %d attempts: %w", c.conf.MaxRetries+1, lastErr)
}

// Call forwards to the live channel. A call that failed because the channel
// closed underneath it is retried on a fresh connection up to MaxRetries
// times. Binary calls are never retried: the first attempt consumed their
// stream.
func (c *Client) Call(ctx context.Context, id service.ChannelID, endpoint string, data calldata.CallData) (calldata.CallData, error) {
	return c.call(ctx, &middleware.Request{Channel: id, Endpoint: endpoint, Data: data})
}

func (c *Client) invoke(ctx context.Context, req *middleware.Request) (calldata.CallData, error) {
	ch, err := c.Channel(ctx)
	if err != nil {
		req.Data.Close()
		return calldata.Empty, err
	}
	return ch.Call(ctx, req.Channel, req.Endpoint, req.Data)
}

// CloseService closes a service the server hosts. Closing the default
// channel closes the connection; the next call redials.
func (c *Client) CloseService(ctx context.Context, id service.ChannelID) error {
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	return ch.CloseService(ctx, id)
}

// Default returns a proxy for the server's default service.
func (c *Client) Default() *service.Subservice {
	return service.NewSubservice(c, service.DefaultChannel)
}

// Close closes the current connection. The client cannot be used
// afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ch == nil {
		return nil
	}
	return c.ch.Close()
}

// reconnectable reports whether err means the connection, not the call,
// failed.
func reconnectable(err error) bool {
	return errors.Is(err, channel.ErrChannelClosed) || errors.Is(err, multichannel.ErrCancelled)
}

var _ service.SerializedChannel = (*Client)(nil)
