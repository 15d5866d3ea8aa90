// Package host implements the hosting side of a connection: the default
// service slot, the registry of dynamically hosted sub-services, and dispatch
// of inbound calls to them.
//
// Application failures never leave Call as Go errors. They are reported to the
// error listeners and returned as error envelopes. Call only fails for
// conditions of the connection itself: an unknown channel id, or a closed host.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"

	"chanrpc/calldata"
	"chanrpc/middleware"
	"chanrpc/service"
)

var (
	ErrClosed            = errors.New("host: connection closed")
	ErrServiceNotFound   = errors.New("host: service not found")
	ErrDefaultRegistered = errors.New("host: default service already registered")
)

// ErrorListener observes application failures raised by hosted services.
type ErrorListener func(id service.ChannelID, endpoint string, err error)

// entry is one hosted sub-service. Cancelling ctx fails the calls running
// against it.
type entry struct {
	svc    service.SerializedService
	ctx    context.Context
	cancel context.CancelFunc
}

// Connection owns the services hosted on one connection. It is safe for
// concurrent use by any number of dispatching goroutines.
type Connection struct {
	logger  hclog.Logger
	handler middleware.HandlerFunc

	// defaultReady is closed once the default slot is filled.
	defaultReady chan struct{}
	defaultSvc   service.SerializedService
	defaultOnce  sync.Once

	// done is closed by Close to release callers waiting on the default slot.
	done chan struct{}

	// ctx scopes every dispatched call; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	services  map[service.ChannelID]*entry
	listeners []ErrorListener
	closed    bool

	observers service.Observers
}

// New returns an open host. Middlewares wrap every dispatched call, first one
// outermost.
func New(logger hclog.Logger, mws ...middleware.Middleware) *Connection {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Connection{
		logger:       logger.Named("host"),
		defaultReady: make(chan struct{}),
		done:         make(chan struct{}),
		services:     make(map[service.ChannelID]*entry),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.handler = middleware.Chain(mws...)(c.dispatch)
	return c
}

// RegisterDefault fills the default slot. It may be called once.
func (c *Connection) RegisterDefault(svc service.SerializedService) error {
	if svc == nil {
		return fmt.Errorf("host: nil default service")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	err := ErrDefaultRegistered
	c.defaultOnce.Do(func() {
		c.defaultSvc = svc
		close(c.defaultReady)
		err = nil
	})
	return err
}

// Default returns the default service without waiting for it.
func (c *Connection) Default() (service.SerializedService, bool) {
	select {
	case <-c.defaultReady:
		return c.defaultSvc, true
	default:
		return nil, false
	}
}

// RegisterHost hosts svc under a fresh random id. When svc closes on its own
// the entry is removed.
func (c *Connection) RegisterHost(svc service.SerializedService) (service.ChannelID, error) {
	if svc == nil {
		return "", fmt.Errorf("host: nil service")
	}
	raw, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("host: failed to mint channel id: %w", err)
	}
	id := service.ChannelID(raw)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if _, taken := c.services[id]; taken {
		c.mu.Unlock()
		return "", fmt.Errorf("host: channel id collision: %s", id)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.services[id] = &entry{svc: svc, ctx: ctx, cancel: cancel}
	c.mu.Unlock()

	svc.OnClose(func() { c.forget(id, svc) })
	c.logger.Trace("hosted service", "channel", id)
	return id, nil
}

// forget drops id if it still maps to svc.
func (c *Connection) forget(id service.ChannelID, svc service.SerializedService) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.services[id]; ok && e.svc == svc {
		delete(c.services, id)
		e.cancel()
	}
}

// Len returns the number of hosted sub-services, not counting the default.
func (c *Connection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.services)
}

// Call dispatches one inbound call. An empty endpoint closes the target: a
// sub-service is removed and closed, the default channel closes the whole
// connection.
func (c *Connection) Call(ctx context.Context, id service.ChannelID, endpoint string, data calldata.CallData) (calldata.CallData, error) {
	if c.isClosed() {
		data.Close()
		return calldata.Empty, ErrClosed
	}

	if endpoint == "" {
		data.Close()
		if err := c.CloseService(ctx, id); err != nil {
			return calldata.Empty, err
		}
		return calldata.Empty, nil
	}

	out, err := c.handler(ctx, &middleware.Request{Channel: id, Endpoint: endpoint, Data: data})
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ErrServiceNotFound) || errors.Is(err, ErrClosed) {
		return calldata.Empty, err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return calldata.Empty, err
	}
	if errors.Is(err, service.ErrServiceClosed) {
		return calldata.FromError(err), nil
	}

	c.reportError(id, endpoint, err)
	return calldata.FromError(err), nil
}

// dispatch is the innermost handler of the middleware chain. The call's
// context is cancelled when its target service is removed, and the call then
// fails with service.ErrServiceClosed. Panics become failed calls even when
// no Recover middleware is installed.
func (c *Connection) dispatch(ctx context.Context, req *middleware.Request) (out calldata.CallData, err error) {
	svc, svcCtx, err := c.resolve(ctx, req.Channel)
	if err != nil {
		req.Data.Close()
		return calldata.Empty, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(svcCtx, func() { cancel(service.ErrServiceClosed) })
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			out, err = calldata.Empty, middleware.NewPanicError(r)
		}
		if err != nil && errors.Is(context.Cause(ctx), service.ErrServiceClosed) {
			err = fmt.Errorf("%w: %s", service.ErrServiceClosed, req.Channel)
		}
	}()
	return svc.Call(service.WithRegistrar(ctx, c), req.Endpoint, req.Data)
}

func (c *Connection) resolve(ctx context.Context, id service.ChannelID) (service.SerializedService, context.Context, error) {
	if id.IsDefault() {
		select {
		case <-c.defaultReady:
			return c.defaultSvc, c.ctx, nil
		case <-c.done:
			return nil, nil, ErrClosed
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	c.mu.RLock()
	e, ok := c.services[id]
	c.mu.RUnlock()
	if !ok {
		c.logger.Error("call for unknown channel", "channel", id)
		return nil, nil, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}
	return e.svc, e.ctx, nil
}

func (c *Connection) reportError(id service.ChannelID, endpoint string, err error) {
	c.logger.Warn("hosted service failed", "channel", id, "endpoint", endpoint, "error", err)

	c.mu.RLock()
	listeners := make([]ErrorListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(id, endpoint, err)
	}
}

// CloseService removes one hosted service and closes it. Closing the default
// channel closes the connection.
func (c *Connection) CloseService(_ context.Context, id service.ChannelID) error {
	if id.IsDefault() {
		return c.Close()
	}

	c.mu.Lock()
	e, ok := c.services[id]
	delete(c.services, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, id)
	}

	c.logger.Trace("closing hosted service", "channel", id)
	e.cancel()
	return e.svc.Close()
}

// Close fails the calls still running, closes every hosted service and the
// default service, then notifies the connection observers. Subsequent calls
// return nil.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	services := c.services
	c.services = make(map[service.ChannelID]*entry)
	c.mu.Unlock()
	close(c.done)
	c.cancel()

	var mErr *multierror.Error
	for id, e := range services {
		if err := e.svc.Close(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("closing %s: %w", id, err))
		}
	}
	if svc, ok := c.Default(); ok {
		if err := svc.Close(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("closing default service: %w", err))
		}
	}

	c.observers.Fire()
	c.logger.Debug("host closed", "services", len(services))
	return mErr.ErrorOrNil()
}

// Done is closed once Close has begun.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) OnClose(fn func()) { c.observers.Add(fn) }

func (c *Connection) OnError(fn ErrorListener) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

var (
	_ service.SerializedChannel = (*Connection)(nil)
	_ service.Registrar         = (*Connection)(nil)
)
