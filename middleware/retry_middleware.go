package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"

	"chanrpc/calldata"
)

// Retryable reports whether a failed call may be run again. Timeouts and
// errors marking themselves Temporary are retryable.
func Retryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// RetryPolicy configures Retry.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
	// Retryable selects the errors worth another attempt. Nil uses Retryable.
	Retryable func(error) bool
	Logger    hclog.Logger
}

// Backoff returns the delay before retry n (n >= 1): BaseDelay doubled per
// retry, capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Wait sleeps for the backoff of retry n or until ctx is done.
func (p RetryPolicy) Wait(ctx context.Context, n int) error {
	t := time.NewTimer(p.Backoff(n))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry re-runs a failed handler up to MaxRetries times with exponential
// backoff. Binary calls are never retried: their stream was consumed by the
// first attempt.
func Retry(p RetryPolicy) Middleware {
	logger := p.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = Retryable
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (calldata.CallData, error) {
			out, err := next(ctx, req)
			if req.Data.IsBinary() {
				return out, err
			}
			for i := 1; i <= p.MaxRetries; i++ {
				if err == nil || !retryable(err) {
					return out, err
				}
				logger.Debug("retrying call", "attempt", i, "endpoint", req.Endpoint, "error", err)
				if werr := p.Wait(ctx, i); werr != nil {
					return calldata.Empty, werr
				}
				out, err = next(ctx, req)
			}
			return out, err
		}
	}
}
