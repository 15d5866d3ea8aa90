package middleware

import (
	"context"
	"errors"
	"time"

	"chanrpc/calldata"
)

var ErrTimeout = errors.New("request timed out")

type timeoutResult struct {
	out calldata.CallData
	err error
}

// Timeout bounds each call to d. The handler keeps running in the background
// after the deadline; it sees ctx cancelled and its result is discarded.
// A panic on the handler goroutine is returned as a *PanicError.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) (calldata.CallData, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan timeoutResult, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- timeoutResult{calldata.Empty, NewPanicError(r)}
					}
				}()
				out, err := next(ctx, req)
				done <- timeoutResult{out, err}
			}()

			select {
			case res := <-done:
				return res.out, res.err
			case <-ctx.Done():
				go func() {
					// Release a binary result nobody will read.
					res := <-done
					res.out.Close()
				}()
				return calldata.Empty, ErrTimeout
			}
		}
	}
}
