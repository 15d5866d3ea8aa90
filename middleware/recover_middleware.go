package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"chanrpc/calldata"
)

// PanicError is a recovered handler panic. Its stack travels inside the
// error envelope.
type PanicError struct {
	Value any
	stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (e *PanicError) Stack() string { return e.stack }

// NewPanicError captures the stack of the goroutine that recovered v.
func NewPanicError(v any) *PanicError {
	return &PanicError{Value: v, stack: string(debug.Stack())}
}

// Recover turns a panicking handler into a failed call.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (out calldata.CallData, err error) {
			defer func() {
				if r := recover(); r != nil {
					out = calldata.Empty
					err = NewPanicError(r)
				}
			}()
			return next(ctx, req)
		}
	}
}
