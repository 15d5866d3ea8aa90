// Package stub holds the typed glue between Go functions and the untyped
// call surface of a channel. It plays the part generated dispatchers and
// proxies would: server-side builders turn methods into service.Handlers,
// client-side helpers encode arguments and decode results or error envelopes.
package stub

import (
	"context"
	"fmt"
	"io"

	"chanrpc/calldata"
	"chanrpc/codec"
	"chanrpc/service"
)

// Unary builds a handler that decodes Req, calls fn on the implementation and
// encodes Resp. An empty request payload leaves Req at its zero value.
func Unary[S, Req, Resp any](cd codec.Codec, fn func(S, context.Context, Req) (Resp, error)) service.Handler {
	return func(ctx context.Context, impl any, data calldata.CallData) (calldata.CallData, error) {
		s, err := implAs[S](impl)
		if err != nil {
			return calldata.Empty, err
		}
		req, err := decode[Req](cd, data)
		if err != nil {
			return calldata.Empty, err
		}
		resp, err := fn(s, ctx, req)
		if err != nil {
			return calldata.Empty, err
		}
		return encode(cd, resp)
	}
}

// Raw builds a handler that receives and returns payloads untouched, for
// endpoints that stream bytes or speak plain text.
func Raw[S any](fn func(S, context.Context, calldata.CallData) (calldata.CallData, error)) service.Handler {
	return func(ctx context.Context, impl any, data calldata.CallData) (calldata.CallData, error) {
		s, err := implAs[S](impl)
		if err != nil {
			return calldata.Empty, err
		}
		return fn(s, ctx, data)
	}
}

// Returning builds a handler for an endpoint whose result is itself a
// service. The returned service is hosted on the calling connection and the
// caller receives its ChannelID.
func Returning[S, Req any](cd codec.Codec, fn func(S, context.Context, Req) (service.SerializedService, error)) service.Handler {
	return func(ctx context.Context, impl any, data calldata.CallData) (calldata.CallData, error) {
		s, err := implAs[S](impl)
		if err != nil {
			return calldata.Empty, err
		}
		req, err := decode[Req](cd, data)
		if err != nil {
			return calldata.Empty, err
		}
		reg, ok := service.RegistrarFrom(ctx)
		if !ok {
			return calldata.Empty, service.ErrNoRegistrar
		}
		svc, err := fn(s, ctx, req)
		if err != nil {
			return calldata.Empty, err
		}
		id, err := reg.RegisterHost(svc)
		if err != nil {
			_ = svc.Close()
			return calldata.Empty, err
		}
		return calldata.Create(string(id)), nil
	}
}

// Invoke calls endpoint on svc with req encoded by cd and decodes the result
// into Resp. An error envelope comes back as a *calldata.RemoteError.
func Invoke[Resp any](ctx context.Context, svc service.SerializedService, cd codec.Codec, endpoint string, req any) (Resp, error) {
	var zero Resp
	in, err := encode(cd, req)
	if err != nil {
		return zero, err
	}
	out, err := svc.Call(ctx, endpoint, in)
	if err != nil {
		return zero, err
	}
	if err := out.AsError(); err != nil {
		return zero, err
	}
	return decode[Resp](cd, out)
}

// InvokeBinary sends data as is and returns the raw result. The caller owns
// the returned stream.
func InvokeBinary(ctx context.Context, svc service.SerializedService, endpoint string, data calldata.CallData) (io.ReadCloser, error) {
	out, err := svc.Call(ctx, endpoint, data)
	if err != nil {
		return nil, err
	}
	if err := out.AsError(); err != nil {
		return nil, err
	}
	return out.ReadBinary()
}

// InvokeService calls an endpoint built with Returning and binds the returned
// id to the channel svc rides on.
func InvokeService(ctx context.Context, svc service.SerializedService, cd codec.Codec, endpoint string, req any) (*service.Subservice, error) {
	bound, ok := svc.(service.ChannelBound)
	if !ok {
		return nil, fmt.Errorf("stub: %T is not bound to a channel", svc)
	}
	in, err := encode(cd, req)
	if err != nil {
		return nil, err
	}
	out, err := svc.Call(ctx, endpoint, in)
	if err != nil {
		return nil, err
	}
	if err := out.AsError(); err != nil {
		return nil, err
	}
	id, err := out.ReadSerialized()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("stub: %s returned an empty channel id", endpoint)
	}
	return service.NewSubservice(bound.Parent(), service.ChannelID(id)), nil
}

func implAs[S any](impl any) (S, error) {
	s, ok := impl.(S)
	if !ok {
		var zero S
		return zero, fmt.Errorf("stub: unexpected implementation %T", impl)
	}
	return s, nil
}

func decode[T any](cd codec.Codec, data calldata.CallData) (T, error) {
	var v T
	raw, err := data.ReadSerialized()
	if err != nil {
		return v, err
	}
	if raw == "" {
		return v, nil
	}
	if err := cd.Decode([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("stub: decode %T: %w", v, err)
	}
	return v, nil
}

func encode(cd codec.Codec, v any) (calldata.CallData, error) {
	if v == nil {
		return calldata.Empty, nil
	}
	b, err := cd.Encode(v)
	if err != nil {
		return calldata.Empty, fmt.Errorf("stub: encode %T: %w", v, err)
	}
	return calldata.Create(string(b)), nil
}
