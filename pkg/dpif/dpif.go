// Package dpif defines datapath classes and the forwarding engines they
// open.
//
// A Class is registered under a type name in a Registry. Opening a class
// yields an Engine: a running datapath with a port table, packet workers
// and, for programmable classes, a bytecode program that classifies every
// packet.
package dpif

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// LocalPort is the engine port created together with every engine.
	LocalPort uint32 = 0

	// PortNone requests that PortAdd choose a port number.
	PortNone uint32 = ^uint32(0)

	// MaxPortNumber is the highest engine port number.
	MaxPortNumber uint32 = 1<<16 - 1
)

// Class is one datapath implementation.
type Class interface {
	// Type is the unique type name the class is registered under.
	Type() string
	// Init runs once when the class is registered. An error aborts the
	// registration.
	Init() error
	// Open opens the engine called name, creating it when create is set.
	// It fails with ENODEV if the engine does not exist and create is
	// false, with EINVAL if it exists but belongs to another class, and with
	// EEXIST if it exists and create is set.
	Open(name string, create bool) (Engine, error)
	// PortOpenType maps a port type requested by the control plane to the
	// device type the engine opens.
	PortOpenType(portType string) string
	// Programmable reports whether engines accept programs.
	Programmable() bool
}

// PortInfo is a snapshot of one engine port.
type PortInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Port      uint32 `json:"port"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
}

// Stats are engine counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Missed    uint64 `json:"missed"`
	Errors    uint64 `json:"errors"`
	TxPackets uint64 `json:"tx_packets"`
	TxDropped uint64 `json:"tx_dropped"`
	Dropped   uint64 `json:"dropped"`
	Flooded   uint64 `json:"flooded"`
	Batches   uint64 `json:"batches"`
	Flows     int    `json:"flows"`
	Ports     int    `json:"ports"`
	Workers   int    `json:"workers"`
	MACs      int    `json:"macs"`
	ProgramID uint32 `json:"program_id"`
	Program   bool   `json:"program_loaded"`
}

// Engine is an open forwarding engine.
type Engine interface {
	Name() string
	Type() string

	// Run performs periodic housekeeping.
	Run()

	// PortAdd opens the device name of type typ and attaches it. port is the
	// requested number or PortNone. It returns the assigned number.
	PortAdd(name, typ string, port uint32) (uint32, error)
	PortDel(port uint32) error
	PortQueryByName(name string) (PortInfo, error)
	PortQueryByNumber(port uint32) (PortInfo, error)
	// PortDump calls fn for every port in port number order until fn
	// returns false.
	PortDump(fn func(PortInfo) bool)

	// ProgramSet validates code and makes it the active program. The
	// previous program keeps running until the new one is published and
	// is freed after every worker has moved past it.
	ProgramSet(id uint32, code []byte) error
	ProgramUnset() error

	// Execute runs pkts through the pipeline as if received on inPort.
	Execute(inPort uint32, pkts [][]byte) error

	Stats() Stats

	// Destroy deletes the engine once every handle is closed.
	Destroy() error
	Close() error
}

// Registry maps type names to classes. Built-in classes are registered the
// first time the registry is used.
type Registry struct {
	once    sync.Once
	initErr error
	builtin []Class

	mu      sync.RWMutex
	classes map[string]Class

	log *slog.Logger
}

// NewRegistry returns a registry that registers builtin on first use.
func NewRegistry(builtin ...Class) *Registry {
	return &Registry{
		builtin: builtin,
		classes: make(map[string]Class),
		log:     slog.Default().With("component", "dpif"),
	}
}

// Initialize registers the built-in classes exactly once. Every caller
// observes the same result.
func (r *Registry) Initialize() error {
	r.once.Do(func() {
		var errs []error
		for _, c := range r.builtin {
			if err := r.register(c); err != nil {
				errs = append(errs, err)
			}
		}
		r.initErr = errors.Join(errs...)
	})
	return r.initErr
}

// Register adds c. It fails with EEXIST if the type is taken, or with the
// error returned by c.Init.
func (r *Registry) Register(c Class) error {
	r.Initialize()
	return r.register(c)
}

func (r *Registry) register(c Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ := c.Type()
	if _, ok := r.classes[typ]; ok {
		r.log.Warn("attempted to register duplicate datapath provider", "type", typ)
		return fmt.Errorf("datapath type %q: %w", typ, unix.EEXIST)
	}
	if err := c.Init(); err != nil {
		r.log.Warn("failed to initialize datapath class", "type", typ, "err", err)
		return fmt.Errorf("init datapath type %q: %w", typ, err)
	}
	r.classes[typ] = c
	r.log.Info("registered datapath class", "type", typ)
	return nil
}

// Unregister removes the class registered as typ.
func (r *Registry) Unregister(typ string) error {
	r.Initialize()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[typ]; !ok {
		return fmt.Errorf("datapath type %q: %w", typ, unix.EAFNOSUPPORT)
	}
	delete(r.classes, typ)
	return nil
}

// Lookup returns the class registered as typ or EAFNOSUPPORT.
func (r *Registry) Lookup(typ string) (Class, error) {
	r.Initialize()
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[typ]
	if !ok {
		return nil, fmt.Errorf("unknown datapath type %q: %w", typ, unix.EAFNOSUPPORT)
	}
	return c, nil
}

// EnumerateTypes returns every registered type name, sorted.
func (r *Registry) EnumerateTypes() []string {
	r.Initialize()
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.classes))
	for t := range r.classes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Open opens engine name of type typ.
func (r *Registry) Open(typ, name string, create bool) (Engine, error) {
	c, err := r.Lookup(typ)
	if err != nil {
		return nil, err
	}
	e, err := c.Open(name, create)
	if err != nil {
		return nil, fmt.Errorf("open datapath %s: %w", name, err)
	}
	return e, nil
}

// CreateAndOpen creates engine name, or opens it if it already exists.
func (r *Registry) CreateAndOpen(typ, name string) (Engine, error) {
	e, err := r.Open(typ, name, true)
	if errors.Is(err, unix.EEXIST) {
		return r.Open(typ, name, false)
	}
	return e, err
}
