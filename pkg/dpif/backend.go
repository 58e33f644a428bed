package dpif

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psaab/p4rt/pkg/netdev"
	"github.com/psaab/p4rt/pkg/rcu"
)

// Options configure the netdev engines of a Backend.
type Options struct {
	Workers      int           // packet workers per engine
	PollInterval time.Duration // worker sleep when no port had packets
	BatchSize    int           // frames received per port per round
	MaxPorts     uint32        // highest port number handed out by PortAdd
	MACAging     time.Duration // idle time before a learned MAC is forgotten
	Logger       *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Microsecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.MaxPorts == 0 || o.MaxPorts > MaxPortNumber {
		o.MaxPorts = MaxPortNumber
	}
	if o.MACAging <= 0 {
		o.MACAging = 300 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "dpif")
	}
}

// Backend owns every netdev engine of the process, whatever class opened
// them, so that engine names are unique across classes.
type Backend struct {
	opts    Options
	netdevs *netdev.Registry
	rcu     *rcu.Domain
	log     *slog.Logger

	mu      sync.Mutex
	engines map[string]*Datapath
	closed  bool // Shutdown called
}

// NewBackend returns a backend that opens devices through netdevs.
func NewBackend(netdevs *netdev.Registry, opts Options) *Backend {
	opts.setDefaults()
	return &Backend{
		opts:    opts,
		netdevs: netdevs,
		rcu:     rcu.NewDomain(),
		log:     opts.Logger,
		engines: make(map[string]*Datapath),
	}
}

// Netdevs returns the device registry.
func (b *Backend) Netdevs() *netdev.Registry { return b.netdevs }

// RCU returns the quiescence domain shared by all engine workers.
func (b *Backend) RCU() *rcu.Domain { return b.rcu }

// DefaultClasses returns the plain "netdev" class and the programmable
// "ubpf" class.
func (b *Backend) DefaultClasses() []Class {
	return []Class{NewNetdevClass("netdev", b), NewUbpfClass("ubpf", b)}
}

// Engines returns the names of the existing engines, sorted.
func (b *Backend) Engines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.engines))
	for n := range b.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run reclaims retired programs and ports until ctx is cancelled.
func (b *Backend) Run(ctx context.Context) {
	b.rcu.Run(ctx, 10*time.Millisecond)
}

func (b *Backend) open(c Class, name string, create bool) (*Datapath, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dp, ok := b.engines[name]
	if !ok {
		if !create {
			return nil, fmt.Errorf("datapath %s: %w", name, unix.ENODEV)
		}
		var err error
		dp, err = newDatapath(b, c, name)
		if err != nil {
			return nil, err
		}
		b.engines[name] = dp
	} else {
		if dp.class.Type() != c.Type() {
			return nil, fmt.Errorf("datapath %s is of type %s, not %s: %w",
				name, dp.class.Type(), c.Type(), unix.EINVAL)
		}
		if create {
			return nil, fmt.Errorf("datapath %s: %w", name, unix.EEXIST)
		}
	}
	dp.refs++
	return dp, nil
}

// unref drops one reference. The engine is freed when the last reference,
// including the one Destroy drops, is gone.
func (b *Backend) unref(dp *Datapath) {
	b.mu.Lock()
	dp.refs--
	free := dp.refs == 0
	if free {
		delete(b.engines, dp.name)
	}
	b.mu.Unlock()

	if free {
		dp.free()
		b.drainIfIdle()
	}
}

func (b *Backend) destroy(dp *Datapath) {
	b.mu.Lock()
	if dp.destroyed {
		b.mu.Unlock()
		return
	}
	dp.destroyed = true
	b.mu.Unlock()
	b.unref(dp)
}

// Shutdown destroys every engine. Handles still open keep their engines
// alive until closed. Pending reclamation is forced once the last engine
// is freed, here or by the Close that frees it.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	b.closed = true
	dps := make([]*Datapath, 0, len(b.engines))
	for _, dp := range b.engines {
		dps = append(dps, dp)
	}
	b.mu.Unlock()

	for _, dp := range dps {
		b.destroy(dp)
	}
	b.drainIfIdle()
}

// drainIfIdle runs the pending callbacks of a shut down backend. Barrier
// needs every reader gone, so while an engine is open only callbacks whose
// grace period elapsed are run.
func (b *Backend) drainIfIdle() {
	b.mu.Lock()
	closed, open := b.closed, len(b.engines)
	b.mu.Unlock()
	if !closed {
		return
	}
	if open > 0 {
		n := b.rcu.Reclaim()
		b.log.Debug("engines open at shutdown", "engines", open,
			"reclaimed", n, "pending", b.rcu.Pending())
		return
	}
	if n := b.rcu.Barrier(); n > 0 {
		b.log.Debug("reclaimed on shutdown", "callbacks", n)
	}
}

// handle is one open reference to a datapath.
type handle struct {
	*Datapath
	once sync.Once
}

func (h *handle) Close() error {
	h.once.Do(func() { h.b.unref(h.Datapath) })
	return nil
}

func (h *handle) Destroy() error {
	h.b.destroy(h.Datapath)
	return nil
}

var _ Engine = (*handle)(nil)
