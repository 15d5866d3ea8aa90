// Package server accepts connections and serves a fresh default service on
// each of them.
//
// Request processing pipeline:
//
//	Accept conn → transport.Stream → channel.Channel (single goroutine reads frames)
//	  → for each request: go host.Call (parallel processing)
//	    → Middleware Chain → service dispatch → response packet
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"chanrpc/calldata"
	"chanrpc/channel"
	"chanrpc/config"
	"chanrpc/host"
	"chanrpc/middleware"
	"chanrpc/service"
	"chanrpc/transport"
)

// ErrServerClosed is returned by Serve after Shutdown and by calls arriving
// while the server drains.
var ErrServerClosed = errors.New("server: closed")

// Factory builds the default service for one accepted connection.
type Factory func() (service.SerializedService, error)

// HostFactory returns a Factory hosting a new implementation from newImpl
// with the descriptor registered under name.
func HostFactory(name string, newImpl func() any) Factory {
	return func() (service.SerializedService, error) {
		return service.Host(name, newImpl())
	}
}

// Server serves one default service per connection.
type Server struct {
	conf    *config.Config
	logger  hclog.Logger
	factory Factory

	middlewares []middleware.Middleware // Registered middlewares (applied in order, after the built-in ones)
	upgrader    websocket.Upgrader

	// inflight counts calls being dispatched on any connection.
	inflight atomic.Int64
	shutdown atomic.Bool // Set during shutdown to suppress Accept errors

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	channels  map[*channel.Channel]struct{}
	wg        sync.WaitGroup // Tracks connection goroutines
}

// NewServer creates a server. conf may be nil.
func NewServer(conf *config.Config, factory Factory) *Server {
	conf = config.DefaultConfig().Merge(conf)
	return &Server{
		conf:      conf,
		logger:    conf.Logger.Named("server"),
		factory:   factory,
		listeners: make(map[net.Listener]struct{}),
		channels:  make(map[*channel.Channel]struct{}),
	}
}

// Use registers a middleware for connections accepted from now on.
// Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds address. Pass the listener to Serve to start accepting;
// Shutdown closes it either way.
func (s *Server) Listen(network, address string) (net.Listener, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		l.Close()
		return nil, ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	return l, nil
}

// Serve accepts connections on l until Shutdown. One goroutine per
// connection; it returns nil after Shutdown and the accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("serving", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener; that error is expected.
			if s.shutdown.Load() {
				return nil
			}
			s.mu.Lock()
			delete(s.listeners, l)
			s.mu.Unlock()
			return err
		}
		stream := transport.NewStream(conn, s.conf.MaxFrameSize)
		if _, err := s.ServeTransport(stream); err != nil {
			s.logger.Warn("rejected connection", "remote", stream.RemoteAddr(), "error", err)
		}
	}
}

// WebSocketHandler upgrades every request to a websocket and serves it.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := transport.UpgradeWebSocket(w, r, &s.upgrader, transport.DefaultWebSocketMessageSize)
		if err != nil {
			// The upgrader already wrote the HTTP error.
			s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		if _, err := s.ServeTransport(ws); err != nil {
			s.logger.Warn("rejected connection", "remote", r.RemoteAddr, "error", err)
		}
	})
}

// ServeTransport serves a new default service over t and returns the
// channel. The server owns t; it is closed on error.
func (s *Server) ServeTransport(t transport.Transport) (*channel.Channel, error) {
	svc, err := s.factory()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("creating default service: %w", err)
	}

	h := host.New(s.logger, s.chain()...)
	if err := h.RegisterDefault(svc); err != nil {
		h.Close()
		t.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		h.Close()
		t.Close()
		return nil, ErrServerClosed
	}
	ch := channel.New(t, h, s.conf)
	s.channels[ch] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		<-ch.Done()
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
		if err := ch.Err(); err != nil && !errors.Is(err, channel.ErrPeerClosed) {
			s.logger.Warn("connection closed", "error", err)
		}
	}()
	return ch, nil
}

// chain builds the per-connection middleware stack. The tracker runs
// outermost so Shutdown sees every call, recovered panics included. Timeout
// recovers panics on its own handler goroutine.
func (s *Server) chain() []middleware.Middleware {
	mws := []middleware.Middleware{
		s.track,
		middleware.Recover(),
		middleware.Logging(s.logger),
		middleware.Metrics(s.conf.Metrics),
	}
	if s.conf.HandlerTimeout > 0 {
		mws = append(mws, middleware.Timeout(s.conf.HandlerTimeout))
	}
	if s.conf.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(s.conf.RateLimit, s.conf.RateBurst))
	}
	s.mu.Lock()
	mws = append(mws, s.middlewares...)
	s.mu.Unlock()
	return mws
}

func (s *Server) track(next middleware.HandlerFunc) middleware.HandlerFunc {
	return func(ctx context.Context, req *middleware.Request) (calldata.CallData, error) {
		s.inflight.Add(1)
		defer s.inflight.Add(-1)
		if s.shutdown.Load() {
			req.Data.Close()
			return calldata.Empty, ErrServerClosed
		}
		return next(ctx, req)
	}
}

// Inflight returns the number of calls being dispatched.
func (s *Server) Inflight() int { return int(s.inflight.Load()) }

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept errors are recognized as intentional)
//  2. Close the listeners (stop accepting new connections)
//  3. Wait for in-flight calls to finish (with timeout); new calls are refused
//  4. Close every connection
//
// A zero timeout uses the configured ShutdownTimeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.conf.ShutdownTimeout
	}

	var mErr *multierror.Error
	s.mu.Lock()
	s.shutdown.Store(true)
	for l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			mErr = multierror.Append(mErr, err)
		}
	}
	s.listeners = make(map[net.Listener]struct{})
	s.mu.Unlock()

	if err := s.drain(timeout); err != nil {
		mErr = multierror.Append(mErr, err)
	}

	s.mu.Lock()
	channels := make([]*channel.Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	s.wg.Wait()

	s.logger.Info("server stopped", "connections", len(channels))
	return mErr.ErrorOrNil()
}

func (s *Server) drain(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.inflight.Load() > 0 {
		select {
		case <-deadline.C:
			return fmt.Errorf("timeout waiting for %d ongoing requests to finish", s.inflight.Load())
		case <-ticker.C:
		}
	}
	return nil
}
