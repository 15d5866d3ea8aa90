package service

import "sync"

// Observers is a set of close callbacks that fire at most once. A callback
// added after Fire runs immediately.
type Observers struct {
	mu    sync.Mutex
	fns   []func()
	fired bool
}

func (o *Observers) Add(fn func()) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		fn()
		return
	}
	o.fns = append(o.fns, fn)
	o.mu.Unlock()
}

// Fire runs every registered callback in registration order. It returns false
// if the observers had already fired.
func (o *Observers) Fire() bool {
	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		return false
	}
	o.fired = true
	fns := o.fns
	o.fns = nil
	o.mu.Unlock()

	// Run outside the lock; a callback may add another observer.
	for _, fn := range fns {
		fn()
	}
	return true
}

func (o *Observers) Fired() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fired
}
