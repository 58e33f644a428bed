// Package netdev provides the network devices attached to datapath ports.
//
// Devices are opened through a Registry, which shares one underlying device
// between all openers of the same name and closes it when the last handle is
// closed.
package netdev

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Device types.
const (
	TypeMemory   = "memory"
	TypeInternal = "internal"
	TypeSystem   = "system"
)

// Device is an open network device.
type Device interface {
	Name() string
	Type() string
	// Recv returns up to max received frames without blocking. It returns
	// no frames when nothing is pending.
	Recv(max int) ([][]byte, error)
	// Send transmits every frame in pkts. pkts is not retained.
	Send(pkts [][]byte) error
	Close() error
}

// Factory creates a device of one type.
type Factory func(name string) (Device, error)

// Registry opens and shares devices by name.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	devs      map[string]*shared
}

type shared struct {
	dev  Device
	refs int
}

// NewRegistry returns a registry with the memory, internal and system device
// types.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		devs:      make(map[string]*shared),
	}
	r.factories[TypeMemory] = func(name string) (Device, error) { return NewMemory(name, TypeMemory), nil }
	r.factories[TypeInternal] = func(name string) (Device, error) { return NewMemory(name, TypeInternal), nil }
	r.factories[TypeSystem] = openSystem
	return r
}

// RegisterType adds or replaces the factory for typ.
func (r *Registry) RegisterType(typ string, f Factory) {
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

// Types returns the registered device types, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Open returns a handle to the device called name. An existing device is
// shared; opening it with a different type fails with EINVAL. An empty typ
// matches any existing device and defaults to system otherwise.
func (r *Registry) Open(name, typ string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.devs[name]; ok {
		if typ != "" && s.dev.Type() != typ {
			return nil, fmt.Errorf("netdev %s: opened as %s, requested %s: %w",
				name, s.dev.Type(), typ, unix.EINVAL)
		}
		s.refs++
		return &handle{Device: s.dev, r: r}, nil
	}

	if typ == "" {
		typ = TypeSystem
	}
	f, ok := r.factories[typ]
	if !ok {
		return nil, fmt.Errorf("netdev %s: unknown type %q: %w", name, typ, unix.EAFNOSUPPORT)
	}
	dev, err := f(name)
	if err != nil {
		return nil, fmt.Errorf("netdev %s: %w", name, err)
	}
	r.devs[name] = &shared{dev: dev, refs: 1}
	slog.Debug("netdev opened", "name", name, "type", typ)
	return &handle{Device: dev, r: r}, nil
}

// Lookup returns the open device called name without taking a reference.
func (r *Registry) Lookup(name string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.devs[name]
	if !ok {
		return nil, false
	}
	return s.dev, true
}

// Refs returns the number of open handles to name.
func (r *Registry) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.devs[name]; ok {
		return s.refs
	}
	return 0
}

func (r *Registry) release(dev Device) error {
	r.mu.Lock()
	s, ok := r.devs[dev.Name()]
	if !ok || s.dev != dev {
		r.mu.Unlock()
		return nil
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.devs, dev.Name())
	r.mu.Unlock()

	slog.Debug("netdev closed", "name", dev.Name())
	return dev.Close()
}

// handle is one reference to a shared device.
type handle struct {
	Device
	r    *Registry
	once sync.Once
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() { err = h.r.release(h.Device) })
	return err
}

// Unwrap returns the shared device behind h.
func (h *handle) Unwrap() Device { return h.Device }

// Unwrap returns the underlying device of a registry handle, or d itself.
func Unwrap(d Device) Device {
	if u, ok := d.(interface{ Unwrap() Device }); ok {
		return u.Unwrap()
	}
	return d
}
