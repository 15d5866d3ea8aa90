// Package multichannel implements the pending-call registry that correlates
// outgoing calls with their eventual responses on a shared stream.
//
//	caller-1 ──Allocate()──> id=1 ─┐
//	caller-2 ──Allocate()──> id=2 ─┼──> one stream ──> peer
//	caller-3 ──Allocate()──> id=3 ─┘
//
//	receive loop: <── response(id=2) ──> Complete(2, v) ──> caller-2 wakes up
//
// Every allocated id is consumed exactly once: by Complete, by Fail, by the
// caller abandoning it, or by Close cancelling everything still pending.
// The mutex only guards the map; callers wait on their Future outside of it.
package multichannel

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// DefaultAbandonedLimit bounds the abandoned ids a registry remembers.
const DefaultAbandonedLimit = 1 << 16

var (
	// ErrClosed is returned by Allocate/Complete after Close.
	ErrClosed = errors.New("multichannel: registry closed")

	// ErrUnknownID means a completion arrived for an id nobody is waiting on.
	// This is a protocol desync, never an expected condition.
	ErrUnknownID = errors.New("multichannel: unknown correlation id")

	// ErrCancelled matches every *CancelledError.
	ErrCancelled = errors.New("multichannel: call cancelled")
)

// CancelledError is delivered to every pending call when the registry closes.
// It is distinguishable from an application failure returned by the peer.
type CancelledError struct {
	Reason error
}

func (e *CancelledError) Error() string {
	if e.Reason == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Reason)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

func (e *CancelledError) Unwrap() error { return e.Reason }

type result[T any] struct {
	value T
	err   error
}

// Registry maps correlation ids to waiting callers.
type Registry[T any] struct {
	mu sync.Mutex

	// next is monotonically increasing; 0 is never handed out.
	next uint32

	// pending channels are buffered(1) so completion never blocks the
	// receive loop.
	pending map[uint32]chan result[T]

	// abandoned holds ids whose caller gave up before the response.
	abandoned      map[uint32]struct{}
	abandonedLimit int

	closed bool
}

// New returns an open registry remembering up to DefaultAbandonedLimit
// abandoned ids.
func New[T any]() *Registry[T] {
	return NewLimited[T](DefaultAbandonedLimit)
}

// NewLimited returns an open registry remembering up to limit abandoned ids.
// Past the limit the oldest half is forgotten; a response that still arrives
// for one of them is reported as ErrUnknownID. Zero means no limit.
func NewLimited[T any](limit int) *Registry[T] {
	return &Registry[T]{
		pending:        make(map[uint32]chan result[T]),
		abandoned:      make(map[uint32]struct{}),
		abandonedLimit: limit,
	}
}

// Allocate reserves a fresh id and returns the future its result will be
// delivered to. The id must be registered before the request is sent so the
// receive loop can never see a response for an id it does not know.
func (r *Registry[T]) Allocate() (uint32, *Future[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, nil, ErrClosed
	}
	r.next++
	if r.next == 0 {
		r.next = 1 // wrapped; ids in use are still unique because they are removed on completion
	}
	id := r.next
	if _, busy := r.pending[id]; busy {
		return 0, nil, fmt.Errorf("multichannel: correlation id %d still pending after wrap", id)
	}
	delete(r.abandoned, id)

	ch := make(chan result[T], 1)
	r.pending[id] = ch
	return id, &Future[T]{id: id, ch: ch, reg: r}, nil
}

// Complete resolves the call waiting on id with v.
func (r *Registry[T]) Complete(id uint32, v T) error {
	return r.resolve(id, result[T]{value: v})
}

// Fail resolves the call waiting on id with err.
func (r *Registry[T]) Fail(id uint32, err error) error {
	return r.resolve(id, result[T]{err: err})
}

func (r *Registry[T]) resolve(id uint32, res result[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	ch, ok := r.pending[id]
	if !ok {
		if _, gone := r.abandoned[id]; gone {
			// Late response for a caller that stopped waiting.
			delete(r.abandoned, id)
			return nil
		}
		return fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	delete(r.pending, id)
	ch <- res
	return nil
}

// abandon is called by a Future whose caller stopped waiting. A response that
// arrives afterwards is consumed silently.
func (r *Registry[T]) abandon(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return
	}
	delete(r.pending, id)
	if !r.closed {
		r.abandoned[id] = struct{}{}
		r.pruneAbandoned()
	}
}

// pruneAbandoned forgets the older half of the abandoned ids once the limit
// is exceeded. Age is the distance behind next, which survives wrapping.
func (r *Registry[T]) pruneAbandoned() {
	if r.abandonedLimit <= 0 || len(r.abandoned) <= r.abandonedLimit {
		return
	}
	ages := make([]uint32, 0, len(r.abandoned))
	for id := range r.abandoned {
		ages = append(ages, r.next-id)
	}
	slices.Sort(ages)
	cut := ages[len(ages)/2]
	for id := range r.abandoned {
		if r.next-id >= cut {
			delete(r.abandoned, id)
		}
	}
}

// Abandoned returns the number of abandoned ids still remembered.
func (r *Registry[T]) Abandoned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.abandoned)
}

// Release drops id without recording it as abandoned. Used when a request
// could not be sent at all, so no response will ever arrive.
func (r *Registry[T]) Release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// Close cancels every pending call with a *CancelledError carrying reason.
// Subsequent Allocate/Complete calls fail with ErrClosed. Close is idempotent;
// only the first reason is delivered.
func (r *Registry[T]) Close(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.pending {
		ch <- result[T]{err: &CancelledError{Reason: reason}}
		delete(r.pending, id)
	}
	clear(r.abandoned)
}

// Pending returns the number of calls still waiting.
func (r *Registry[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Closed reports whether Close has been called.
func (r *Registry[T]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
