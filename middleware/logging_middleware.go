package middleware

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"chanrpc/calldata"
)

func Logging(logger hclog.Logger) Middleware {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (calldata.CallData, error) {
			start := time.Now()
			out, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				logger.Debug("call failed", "channel", req.Channel, "endpoint", req.Endpoint, "duration", duration, "error", err)
			} else {
				logger.Trace("call", "channel", req.Channel, "endpoint", req.Endpoint, "duration", duration, "binary", req.Data.IsBinary())
			}
			return out, err
		}
	}
}
