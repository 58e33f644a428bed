// Package p4rt is the control-plane bridge of the programmable switch. It
// creates logical switches, binds each to the shared backer of its datapath
// type, attaches ports and installs programs.
package p4rt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/psaab/p4rt/pkg/dpif"
	"github.com/psaab/p4rt/pkg/logging"
	"github.com/psaab/p4rt/pkg/netdev"
)

// Options configure a Bridge.
type Options struct {
	// Scope prefixes engine names, "p4rt" if empty.
	Scope  string
	Events *logging.EventBuffer
	Logger *slog.Logger
	// Stdin is read for StdinSource, os.Stdin if nil.
	Stdin io.Reader
}

// Bridge is the process-wide registry of switch classes and switches.
type Bridge struct {
	dpifs   *dpif.Registry
	netdevs *netdev.Registry
	backers *Backers
	events  *logging.EventBuffer
	stdin   io.Reader
	log     *slog.Logger

	initOnce sync.Once
	initErr  error

	mu           sync.RWMutex
	classes      []Class
	switches     map[string]*Switch
	nextDeviceID uint64

	nextProgramID atomic.Uint32
}

// New returns a bridge over the given datapath and device registries. Call
// Init before use.
func New(dpifs *dpif.Registry, netdevs *netdev.Registry, opts Options) *Bridge {
	if opts.Scope == "" {
		opts.Scope = "p4rt"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "p4rt")
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	return &Bridge{
		dpifs:    dpifs,
		netdevs:  netdevs,
		backers:  NewBackers(opts.Scope, dpifs, opts.Logger),
		events:   opts.Events,
		stdin:    opts.Stdin,
		log:      opts.Logger,
		switches: make(map[string]*Switch),
	}
}

// Init initializes the datapath registry and registers the dpif-backed
// switch class. Only the first call does any work.
func (br *Bridge) Init() error {
	br.initOnce.Do(func() {
		if err := br.dpifs.Initialize(); err != nil {
			br.log.Warn("some datapath classes failed to register", "err", err)
		}
		br.initErr = br.RegisterClass(newDpifClass(br.dpifs, br.backers))
		for _, t := range br.dpifs.EnumerateTypes() {
			br.event(logging.EventTypeRegistered, nil, logging.EventRecord{Datapath: t})
		}
	})
	return br.initErr
}

// Teardown destroys every switch and unregisters all classes.
func (br *Bridge) Teardown(deleteEngines bool) {
	for _, sw := range br.Switches() {
		if err := br.DestroySwitch(sw.Name, deleteEngines); err != nil {
			br.log.Warn("failed to destroy switch", "switch", sw.Name, "err", err)
		}
	}
	br.mu.Lock()
	br.classes = nil
	br.mu.Unlock()
}

// Backers returns the backer table.
func (br *Bridge) Backers() *Backers { return br.backers }

// RegisterClass adds c. A class with the same name fails with EEXIST.
func (br *Bridge) RegisterClass(c Class) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	for _, have := range br.classes {
		if have.Name() == c.Name() {
			return fmt.Errorf("switch class %q: %w", c.Name(), unix.EEXIST)
		}
	}
	br.classes = append(br.classes, c)
	br.log.Info("registered switch class", "class", c.Name())
	return nil
}

// UnregisterClass removes the class called name.
func (br *Bridge) UnregisterClass(name string) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	for i, c := range br.classes {
		if c.Name() == name {
			br.classes = append(br.classes[:i], br.classes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("switch class %q: %w", name, unix.EAFNOSUPPORT)
}

// findClass returns the class serving typ. Called with br.mu held.
func (br *Bridge) findClass(typ string) (Class, error) {
	for _, c := range br.classes {
		if classServes(c, typ) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown datapath type %q: %w", typ, unix.EAFNOSUPPORT)
}

// EnumerateTypes returns every type served by a registered class, sorted.
func (br *Bridge) EnumerateTypes() []string {
	br.mu.RLock()
	defer br.mu.RUnlock()
	seen := make(map[string]bool)
	var types []string
	for _, c := range br.classes {
		for _, t := range c.EnumerateTypes() {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	sort.Strings(types)
	return types
}

// PortOpenType returns the device type to open for portType on a switch of
// datapathType.
func (br *Bridge) PortOpenType(datapathType, portType string) string {
	br.mu.RLock()
	c, err := br.findClass(datapathType)
	br.mu.RUnlock()
	if err != nil {
		return portType
	}
	return c.PortOpenType(datapathType, portType)
}

// CreateSwitch creates switch name of datapath type typ.
func (br *Bridge) CreateSwitch(name, typ string) (*Switch, error) {
	br.mu.Lock()
	defer br.mu.Unlock()

	if _, ok := br.switches[name]; ok {
		return nil, fmt.Errorf("switch %s: %w", name, unix.EEXIST)
	}
	c, err := br.findClass(typ)
	if err != nil {
		return nil, err
	}

	sw := &Switch{
		Name:     name,
		Type:     typ,
		UUID:     uuid.New(),
		DeviceID: br.nextDeviceID + 1,
		Created:  time.Now(),
		br:       br,
		class:    c,
		ports:    make(map[uint32]*Port),
	}
	if err := c.Construct(sw); err != nil {
		// Construct may have acquired a backer before failing.
		if rerr := c.Release(sw, false); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, fmt.Errorf("create switch %s: %w", name, err)
	}
	br.nextDeviceID++
	sw.refs.Store(1)
	br.switches[name] = sw

	br.log.Info("switch created", "switch", name, "type", typ, "uuid", sw.UUID, "device_id", sw.DeviceID)
	br.event(logging.EventSwitchCreated, sw, logging.EventRecord{Message: sw.UUID.String()})
	return sw, nil
}

// DestroySwitch removes switch name. Its ports are destructed at once and
// holders of a reference see ENODEV from then on. The backer is released
// when the last reference is dropped.
func (br *Bridge) DestroySwitch(name string, deleteEngine bool) error {
	br.mu.Lock()
	sw, ok := br.switches[name]
	if !ok {
		br.mu.Unlock()
		return fmt.Errorf("switch %s: %w", name, unix.ENODEV)
	}
	delete(br.switches, name)
	br.mu.Unlock()

	if !sw.markDestroyed() {
		return fmt.Errorf("switch %s: %w", name, unix.ENODEV)
	}
	sw.destructPorts(false)
	sw.class.Destruct(sw)
	sw.deleteEngine.Store(deleteEngine)

	br.log.Info("switch destroyed", "switch", name, "type", sw.Type)
	br.event(logging.EventSwitchDestroyed, sw, logging.EventRecord{})
	sw.Unref()
	return nil
}

// acquire returns switch name with a reference held.
func (br *Bridge) acquire(name string) (*Switch, error) {
	br.mu.RLock()
	defer br.mu.RUnlock()
	sw, ok := br.switches[name]
	if !ok {
		return nil, fmt.Errorf("switch %s: %w", name, unix.ENODEV)
	}
	sw.Ref()
	return sw, nil
}

// Switch returns switch name with a reference held. The caller must Unref.
func (br *Bridge) Switch(name string) (*Switch, error) {
	return br.acquire(name)
}

// SwitchByDeviceID returns the switch with P4Runtime device id id with a
// reference held. The caller must Unref.
func (br *Bridge) SwitchByDeviceID(id uint64) (*Switch, error) {
	br.mu.RLock()
	defer br.mu.RUnlock()
	for _, sw := range br.switches {
		if sw.DeviceID == id {
			sw.Ref()
			return sw, nil
		}
	}
	return nil, fmt.Errorf("device id %d: %w", id, unix.ENODEV)
}

// Switches returns every switch sorted by name. No references are taken;
// a listed switch may be destroyed concurrently, after which its accessors
// report ENODEV or zero values.
func (br *Bridge) Switches() []*Switch {
	br.mu.RLock()
	list := make([]*Switch, 0, len(br.switches))
	for _, sw := range br.switches {
		list = append(list, sw)
	}
	br.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// AddPort attaches device devName to switch name.
func (br *Bridge) AddPort(name, devName, devType string, ofp uint32) (uint32, error) {
	sw, err := br.acquire(name)
	if err != nil {
		return 0, err
	}
	defer sw.Unref()
	return sw.AddPort(devName, devType, ofp)
}

// AttachPorts attaches specs to switch name, skipping devices that fail to
// open.
func (br *Bridge) AttachPorts(name string, specs []PortSpec) ([]uint32, error) {
	sw, err := br.acquire(name)
	if err != nil {
		return nil, err
	}
	defer sw.Unref()
	return sw.AttachPorts(specs)
}

// RemovePort detaches control-plane port ofp from switch name.
func (br *Bridge) RemovePort(name string, ofp uint32, preserve bool) error {
	sw, err := br.acquire(name)
	if err != nil {
		return err
	}
	defer sw.Unref()
	return sw.RemovePort(ofp, preserve)
}

// QueryPortByName looks up device devName in the engine of switch name.
func (br *Bridge) QueryPortByName(name, devName string) (PortInfo, error) {
	sw, err := br.acquire(name)
	if err != nil {
		return PortInfo{}, err
	}
	defer sw.Unref()
	return sw.QueryPortByName(devName)
}

// PortDump iterates the ports of switch name.
func (br *Bridge) PortDump(name string, fn func(PortInfo) bool) error {
	sw, err := br.acquire(name)
	if err != nil {
		return err
	}
	defer sw.Unref()
	sw.PortDump(fn)
	return nil
}

// Execute injects pkts into switch name as if received on ofp.
func (br *Bridge) Execute(name string, ofp uint32, pkts [][]byte) error {
	sw, err := br.acquire(name)
	if err != nil {
		return err
	}
	defer sw.Unref()
	return sw.Execute(ofp, pkts)
}

// Run performs periodic work for every type with a backer and every switch.
func (br *Bridge) Run() error {
	br.mu.RLock()
	classes := append([]Class(nil), br.classes...)
	br.mu.RUnlock()

	var errs []error
	for _, typ := range br.backers.Types() {
		for _, c := range classes {
			if classServes(c, typ) {
				if err := c.TypeRun(typ); err != nil {
					errs = append(errs, fmt.Errorf("type %s: %w", typ, err))
				}
				break
			}
		}
	}
	for _, sw := range br.Switches() {
		if err := sw.class.Run(sw); err != nil {
			errs = append(errs, fmt.Errorf("switch %s: %w", sw.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (br *Bridge) event(typ string, sw *Switch, rec logging.EventRecord) {
	if br.events == nil {
		return
	}
	rec.Time = time.Now()
	rec.Type = typ
	if sw != nil {
		rec.Switch = sw.Name
		rec.Datapath = sw.Type
	}
	br.events.Add(rec)
}
