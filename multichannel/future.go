package multichannel

import "context"

// Future is the receiving half of one allocated id.
type Future[T any] struct {
	id  uint32
	ch  chan result[T]
	reg *Registry[T]
}

// ID returns the correlation id this future waits on.
func (f *Future[T]) ID() uint32 { return f.id }

// Await blocks until the id is completed, failed, cancelled by Close, or ctx
// is done. When ctx ends first the id is abandoned and ctx.Err() is returned.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case res := <-f.ch:
		return res.value, res.err
	case <-ctx.Done():
		f.reg.abandon(f.id)
		// The result may have landed between the two cases.
		select {
		case res := <-f.ch:
			return res.value, res.err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}
