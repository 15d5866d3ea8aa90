package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"chanrpc/calldata"
)

// Handler runs one endpoint against a service implementation.
type Handler func(ctx context.Context, impl any, data calldata.CallData) (calldata.CallData, error)

// Descriptor is the dispatch table of one service type: its name and the
// handler behind each endpoint. Descriptors are registered once at startup;
// nothing is discovered by reflection.
type Descriptor struct {
	Name      string
	Endpoints map[string]Handler
}

// EndpointNames returns the endpoint names in sorted order.
func (d *Descriptor) EndpointNames() []string {
	names := make([]string, 0, len(d.Endpoints))
	for name := range d.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	descriptorsMu sync.RWMutex
	descriptors   = make(map[string]*Descriptor)
)

// RegisterDescriptor adds d to the process-wide table.
func RegisterDescriptor(d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("service: descriptor must have a name")
	}
	if _, ok := d.Endpoints[""]; ok {
		return fmt.Errorf("service: descriptor %q: empty endpoint name is reserved", d.Name)
	}
	descriptorsMu.Lock()
	defer descriptorsMu.Unlock()
	if _, ok := descriptors[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDescriptor, d.Name)
	}
	descriptors[d.Name] = d
	return nil
}

// MustRegisterDescriptor is RegisterDescriptor for package init.
func MustRegisterDescriptor(d *Descriptor) *Descriptor {
	if err := RegisterDescriptor(d); err != nil {
		panic(err)
	}
	return d
}

func LookupDescriptor(name string) (*Descriptor, bool) {
	descriptorsMu.RLock()
	defer descriptorsMu.RUnlock()
	d, ok := descriptors[name]
	return d, ok
}

// Host wraps impl with the descriptor registered under name.
func Host(name string, impl any) (*Hosted, error) {
	d, ok := LookupDescriptor(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDescriptorNotFound, name)
	}
	return NewHosted(d, impl), nil
}

// Hosted is a service implementation paired with its dispatch table.
type Hosted struct {
	desc      *Descriptor
	impl      any
	observers Observers
}

func NewHosted(d *Descriptor, impl any) *Hosted {
	return &Hosted{desc: d, impl: impl}
}

func (h *Hosted) Descriptor() *Descriptor { return h.desc }

func (h *Hosted) Impl() any { return h.impl }

func (h *Hosted) Call(ctx context.Context, endpoint string, data calldata.CallData) (calldata.CallData, error) {
	if h.observers.Fired() {
		return calldata.Empty, ErrServiceClosed
	}
	fn, ok := h.desc.Endpoints[endpoint]
	if !ok {
		return calldata.Empty, fmt.Errorf("%w: %s.%s", ErrEndpointNotFound, h.desc.Name, endpoint)
	}
	return fn(ctx, h.impl, data)
}

// Close runs the close observers and closes the implementation if it is an
// io.Closer. Closing twice is a no-op.
func (h *Hosted) Close() error {
	if !h.observers.Fire() {
		return nil
	}
	if c, ok := h.impl.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (h *Hosted) OnClose(fn func()) { h.observers.Add(fn) }
