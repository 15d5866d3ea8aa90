// Package testsvc is a small service used by tests across the module. It
// exercises text, binary, failing and service-returning endpoints.
package testsvc

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"chanrpc/calldata"
	"chanrpc/codec"
	"chanrpc/service"
	"chanrpc/stub"
)

const Name = "testsvc.Echo"

// Codec is used by the structured endpoints.
var Codec = &codec.JSONCodec{}

var ErrFail = errors.New("deliberate failure")

type AddArgs struct {
	A int `json:"a" codec:"a"`
	B int `json:"b" codec:"b"`
}

type AddReply struct {
	Sum int `json:"sum" codec:"sum"`
}

// Echo is the service implementation. Its zero value is not usable; use New.
type Echo struct {
	gate     chan struct{}
	gateOnce sync.Once
	closed   atomic.Bool
	// Spawned counts the sub-services created by spawn.
	Spawned atomic.Int32
	// Blocking counts calls parked in block. Spawned services share their
	// parent's counter.
	Blocking *atomic.Int32
}

func New() *Echo {
	return &Echo{gate: make(chan struct{}), Blocking: new(atomic.Int32)}
}

func (e *Echo) Closed() bool { return e.closed.Load() }

func (e *Echo) Close() error {
	e.closed.Store(true)
	e.gateOnce.Do(func() { close(e.gate) })
	return nil
}

// Host wraps a fresh Echo with the registered descriptor.
func Host() (*service.Hosted, *Echo) {
	impl := New()
	return service.NewHosted(Descriptor, impl), impl
}

func upper(_ *Echo, _ context.Context, data calldata.CallData) (calldata.CallData, error) {
	s, err := data.ReadSerialized()
	if err != nil {
		return calldata.Empty, err
	}
	return calldata.Create(strings.ToUpper(s)), nil
}

// wait blocks until release is called on the same instance.
func wait(e *Echo, ctx context.Context, data calldata.CallData) (calldata.CallData, error) {
	s, err := data.ReadSerialized()
	if err != nil {
		return calldata.Empty, err
	}
	select {
	case <-e.gate:
		return calldata.Create("waited:" + s), nil
	case <-ctx.Done():
		return calldata.Empty, ctx.Err()
	}
}

// block waits for its context only; closing the service does not release it.
func block(e *Echo, ctx context.Context, data calldata.CallData) (calldata.CallData, error) {
	data.Close()
	e.Blocking.Add(1)
	defer e.Blocking.Add(-1)
	<-ctx.Done()
	return calldata.Empty, context.Cause(ctx)
}

func release(e *Echo, _ context.Context, data calldata.CallData) (calldata.CallData, error) {
	s, err := data.ReadSerialized()
	if err != nil {
		return calldata.Empty, err
	}
	e.gateOnce.Do(func() { close(e.gate) })
	return calldata.Create("released:" + s), nil
}

func fail(_ *Echo, _ context.Context, _ calldata.CallData) (calldata.CallData, error) {
	return calldata.Empty, ErrFail
}

func explode(_ *Echo, _ context.Context, _ calldata.CallData) (calldata.CallData, error) {
	panic("explode endpoint")
}

// reverse reads a binary payload and answers with its bytes reversed.
func reverse(_ *Echo, _ context.Context, data calldata.CallData) (calldata.CallData, error) {
	r, err := data.ReadBinary()
	if err != nil {
		return calldata.Empty, err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return calldata.Empty, err
	}
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return calldata.CreateBinary(io.NopCloser(strings.NewReader(string(b)))), nil
}

func length(_ *Echo, _ context.Context, data calldata.CallData) (calldata.CallData, error) {
	s, err := data.ReadSerialized()
	if err != nil {
		return calldata.Empty, err
	}
	return calldata.Create(strings.Repeat("x", len(s))), nil
}

func add(_ *Echo, _ context.Context, args AddArgs) (AddReply, error) {
	return AddReply{Sum: args.A + args.B}, nil
}

func spawn(e *Echo, _ context.Context, _ struct{}) (service.SerializedService, error) {
	e.Spawned.Add(1)
	// By name: Descriptor's initializer refers to spawn.
	child := New()
	child.Blocking = e.Blocking
	h, err := service.Host(Name, child)
	if err != nil {
		return nil, err
	}
	return h, nil
}

var Descriptor = service.MustRegisterDescriptor(&service.Descriptor{
	Name: Name,
	Endpoints: map[string]service.Handler{
		"echo":    stub.Raw(upper),
		"wait":    stub.Raw(wait),
		"block":   stub.Raw(block),
		"release": stub.Raw(release),
		"fail":    stub.Raw(fail),
		"explode": stub.Raw(explode),
		"reverse": stub.Raw(reverse),
		"length":  stub.Raw(length),
		"add":     stub.Unary(Codec, add),
		"spawn":   stub.Returning(Codec, spawn),
	},
})
