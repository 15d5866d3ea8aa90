package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"chanrpc/calldata"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit 创建一个基于令牌桶算法的限流中间件
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (calldata.CallData, error) {
			if !limiter.Allow() {
				req.Data.Close()
				return calldata.Empty, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
