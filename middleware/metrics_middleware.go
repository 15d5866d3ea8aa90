package middleware

import (
	"context"
	"time"

	"github.com/hashicorp/go-metrics"

	"chanrpc/calldata"
)

// Metrics measures every dispatched call and counts failures, labelled by
// endpoint. A nil m reports to the global metrics instance.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (calldata.CallData, error) {
			sink := m
			if sink == nil {
				sink = metrics.Default()
			}
			start := time.Now()
			labels := []metrics.Label{{Name: "endpoint", Value: req.Endpoint}}

			out, err := next(ctx, req)

			sink.MeasureSinceWithLabels([]string{"chanrpc", "call"}, start, labels)
			if err != nil || out.IsError() {
				sink.IncrCounterWithLabels([]string{"chanrpc", "call", "failed"}, 1, labels)
			}
			return out, err
		}
	}
}
