// Package middleware wraps the dispatch of inbound calls on a host
// connection. Middlewares compose in onion order:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"chanrpc/calldata"
	"chanrpc/service"
)

// Request is one inbound call as seen by the middleware chain.
type Request struct {
	Channel  service.ChannelID
	Endpoint string
	Data     calldata.CallData
}

type HandlerFunc func(ctx context.Context, req *Request) (calldata.CallData, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
