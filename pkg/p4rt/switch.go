package p4rt

import (
	"errors"
	"fmt"
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

// Control-plane port numbers.
const (
	OFPPMax   uint32 = 0xff00
	OFPPLocal uint32 = 0xfffe
	OFPPNone  uint32 = 0xffff
)

// Switch is one logical switch bound to the backer of its type.
type Switch struct {
	Name     string
	Type     string
	UUID     uuid.UUID
	DeviceID uint64
	Created  time.Time

	br     *Bridge
	class  Class
	backer *Backer // set by Construct, never cleared

	// mu guards ports and destroyed. Engine access happens with mu held
	// and destroyed unset, so the backer cannot be released under it.
	mu        sync.RWMutex
	ports     map[uint32]*Port
	destroyed bool

	refs         atomic.Int32
	released     atomic.Bool
	deleteEngine atomic.Bool
}

// Port is a device attached to a switch.
type Port struct {
	Dev     netdev.Device
	ODP     uint32
	OFP     uint32
	Created time.Time
}

// Name returns the device name.
func (p *Port) Name() string { return p.Dev.Name() }

// PortInfo is a snapshot of a switch port.
type PortInfo struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	ODPPort uint32    `json:"odp_port"`
	OFPPort uint32    `json:"ofp_port"`
	Created time.Time `json:"created,omitzero"`
}

// openError marks a failure to open the device itself.
type openError struct{ err error }

func (e *openError) Error() string { return e.err.Error() }
func (e *openError) Unwrap() error { return e.err }

// PortSpec describes a port to attach.
type PortSpec struct {
	Name string
	Type string
	OFP  uint32 // OFPPNone to choose
}

// Backer returns the backer the switch is bound to.
func (sw *Switch) Backer() *Backer { return sw.backer }

// Program returns the program active on the switch's backer, or nil.
func (sw *Switch) Program() *Program {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	if sw.destroyed || sw.backer == nil {
		return nil
	}
	return sw.backer.Program()
}

// Destroyed reports whether the switch has been destroyed.
func (sw *Switch) Destroyed() bool {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.destroyed
}

// markDestroyed fences off the engine. It returns false if the switch was
// already destroyed.
func (sw *Switch) markDestroyed() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.destroyed {
		return false
	}
	sw.destroyed = true
	return true
}

func (sw *Switch) errDestroyed() error {
	return fmt.Errorf("switch %s: destroyed: %w", sw.Name, unix.ENODEV)
}

// live runs fn with the engine fenced against destruction.
func (sw *Switch) live(fn func() error) error {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	if sw.destroyed {
		return sw.errDestroyed()
	}
	return fn()
}

// Ref takes a reference that keeps the switch from being released.
func (sw *Switch) Ref() { sw.refs.Add(1) }

// Unref drops a reference. Dropping the last one releases the backer.
func (sw *Switch) Unref() {
	if sw.refs.Add(-1) != 0 {
		return
	}
	if !sw.released.CompareAndSwap(false, true) {
		return
	}
	if err := sw.class.Release(sw, sw.deleteEngine.Load()); err != nil {
		sw.br.log.Warn("failed to release switch", "switch", sw.Name, "err", err)
	}
}

// AddPort opens device name and attaches it. ofp is the requested
// control-plane port or OFPPNone. It returns the assigned control-plane
// port.
func (sw *Switch) AddPort(name, typ string, ofp uint32) (uint32, error) {
	log := sw.br.log.With("switch", sw.Name, "port", name)

	if ofp != OFPPNone && (ofp == 0 || ofp >= OFPPMax) {
		return 0, fmt.Errorf("port %s: invalid port number %d: %w", name, ofp, unix.EINVAL)
	}

	var undo undoStack
	dev, err := sw.br.netdevs.Open(name, sw.class.PortOpenType(sw.Type, typ))
	if err != nil {
		return 0, &openError{fmt.Errorf("open device %s: %w", name, err)}
	}
	undo.push(dev.Close)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	fail := func(err error) (uint32, error) {
		if rerr := undo.rollback(log); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return 0, err
	}

	if sw.destroyed {
		return fail(sw.errDestroyed())
	}

	if ofp != OFPPNone {
		if _, ok := sw.ports[ofp]; ok {
			return fail(fmt.Errorf("port number %d: %w", ofp, unix.EBUSY))
		}
	}

	var odp uint32
	info, err := sw.class.PortQueryByName(sw, name)
	switch {
	case err == nil:
		if _, owner, ok := sw.backer.LookupOFPort(info.Port); ok {
			return fail(fmt.Errorf("port %s already attached to %s: %w", name, owner.Name, unix.EEXIST))
		}
		odp = info.Port
	case errors.Is(err, unix.ENODEV):
		odp, err = sw.class.PortAdd(sw, name, dev.Type())
		if err != nil {
			return fail(fmt.Errorf("add port %s: %w", name, err))
		}
		undo.push(func() error { return sw.class.PortDel(sw, odp) })
	default:
		return fail(err)
	}

	if ofp == OFPPNone {
		if ofp, err = sw.chooseOFPort(odp); err != nil {
			return fail(err)
		}
	}

	p := &Port{Dev: dev, ODP: odp, OFP: ofp, Created: time.Now()}
	sw.ports[ofp] = p
	undo.push(func() error { delete(sw.ports, ofp); return nil })
	sw.backer.InsertPort(odp, ofp, sw)
	undo.push(func() error { sw.backer.RemovePort(odp); return nil })

	if err := sw.class.PortConstruct(sw, p); err != nil {
		return fail(err)
	}

	log.Info("port added", "ofp", ofp, "odp", odp)
	sw.br.event(logging.EventPortAdded, sw, logging.EventRecord{Port: name, ODPPort: odp, OFPPort: ofp})
	return ofp, nil
}

// chooseOFPort prefers the engine port number, then the lowest free
// number. Called with sw.mu held.
func (sw *Switch) chooseOFPort(odp uint32) (uint32, error) {
	if odp > 0 && odp < OFPPMax {
		if _, ok := sw.ports[odp]; !ok {
			return odp, nil
		}
	}
	for ofp := uint32(1); ofp < OFPPMax; ofp++ {
		if _, ok := sw.ports[ofp]; !ok {
			return ofp, nil
		}
	}
	return 0, fmt.Errorf("switch %s: no free port number: %w", sw.Name, unix.ENOSPC)
}

// AttachPorts adds every spec. Devices that fail to open are logged and
// skipped; the first other error aborts. It returns the assigned ports of
// the attached devices.
func (sw *Switch) AttachPorts(specs []PortSpec) ([]uint32, error) {
	var attached []uint32
	for _, s := range specs {
		ofp := s.OFP
		if ofp == 0 {
			ofp = OFPPNone
		}
		no, err := sw.AddPort(s.Name, s.Type, ofp)
		if err != nil {
			var oe *openError
			if errors.As(err, &oe) {
				sw.br.log.Warn("skipping device", "switch", sw.Name, "port", s.Name, "err", err)
				continue
			}
			return attached, err
		}
		attached = append(attached, no)
	}
	return attached, nil
}

// RemovePort detaches control-plane port ofp. The engine port is kept when
// preserve is set. The engine's local port cannot be removed.
func (sw *Switch) RemovePort(ofp uint32, preserve bool) error {
	if sw.Destroyed() {
		return sw.errDestroyed()
	}
	if ofp == OFPPLocal {
		return fmt.Errorf("cannot remove local port: %w", unix.EINVAL)
	}
	p, ok := sw.Port(ofp)
	if !ok {
		return fmt.Errorf("switch %s port %d: %w", sw.Name, ofp, unix.ENOENT)
	}
	if p.ODP == dpif.LocalPort {
		return fmt.Errorf("cannot remove local port: %w", unix.EINVAL)
	}
	return sw.removePort(ofp, preserve, false)
}

// removePort detaches ofp. Only the destroy path, teardown set, may run on
// a destroyed switch.
func (sw *Switch) removePort(ofp uint32, preserve, teardown bool) error {
	sw.mu.Lock()
	if sw.destroyed && !teardown {
		sw.mu.Unlock()
		return sw.errDestroyed()
	}
	p, ok := sw.ports[ofp]
	if !ok {
		sw.mu.Unlock()
		return fmt.Errorf("switch %s port %d: %w", sw.Name, ofp, unix.ENOENT)
	}
	err := sw.class.PortDestruct(sw, p, preserve)
	delete(sw.ports, ofp)
	sw.backer.RemovePort(p.ODP)
	sw.mu.Unlock()

	p.Dev.Close()
	sw.br.log.Info("port removed", "switch", sw.Name, "port", p.Name(), "ofp", ofp, "odp", p.ODP)
	sw.br.event(logging.EventPortDeleted, sw, logging.EventRecord{Port: p.Name(), ODPPort: p.ODP, OFPPort: ofp})
	return err
}

// QueryPortByName returns the engine's view of device name.
func (sw *Switch) QueryPortByName(name string) (PortInfo, error) {
	var pi PortInfo
	err := sw.live(func() error {
		info, err := sw.class.PortQueryByName(sw, name)
		if err != nil {
			return err
		}
		pi = PortInfo{Name: info.Name, Type: info.Type, ODPPort: info.Port, OFPPort: OFPPNone}
		if ofp, owner, ok := sw.backer.LookupOFPort(info.Port); ok && owner == sw {
			pi.OFPPort = ofp
		}
		return nil
	})
	return pi, err
}

// Port returns the port with control-plane number ofp.
func (sw *Switch) Port(ofp uint32) (*Port, bool) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	p, ok := sw.ports[ofp]
	return p, ok
}

// PortDump calls fn for every port in control-plane port order until fn
// returns false.
func (sw *Switch) PortDump(fn func(PortInfo) bool) {
	sw.mu.RLock()
	infos := make([]PortInfo, 0, len(sw.ports))
	for _, p := range sw.ports {
		infos = append(infos, PortInfo{
			Name:    p.Name(),
			Type:    p.Dev.Type(),
			ODPPort: p.ODP,
			OFPPort: p.OFP,
			Created: p.Created,
		})
	}
	sw.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].OFPPort < infos[j].OFPPort })
	for _, pi := range infos {
		if !fn(pi) {
			return
		}
	}
}

// NumPorts returns the number of attached ports.
func (sw *Switch) NumPorts() int {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return len(sw.ports)
}

// EngineName returns the name of the switch's engine, "" once destroyed.
func (sw *Switch) EngineName() string {
	var name string
	sw.live(func() error {
		name = sw.backer.Engine.Name()
		return nil
	})
	return name
}

// Stats returns the counters of the switch's engine. A destroyed switch
// has none.
func (sw *Switch) Stats() dpif.Stats {
	var st dpif.Stats
	sw.live(func() error {
		st = sw.backer.Engine.Stats()
		return nil
	})
	return st
}

// Execute runs pkts through the engine as if received on control-plane
// port ofp.
func (sw *Switch) Execute(ofp uint32, pkts [][]byte) error {
	return sw.live(func() error {
		p, ok := sw.ports[ofp]
		if !ok {
			return fmt.Errorf("switch %s port %d: %w", sw.Name, ofp, unix.ENOENT)
		}
		return sw.backer.Engine.Execute(p.ODP, pkts)
	})
}

// destructPorts removes every port, used when the switch is destroyed. The
// local port is unmapped but stays in the engine.
func (sw *Switch) destructPorts(preserve bool) {
	var infos []PortInfo
	sw.PortDump(func(pi PortInfo) bool {
		infos = append(infos, pi)
		return true
	})
	for _, pi := range infos {
		keep := preserve || pi.ODPPort == dpif.LocalPort
		if err := sw.removePort(pi.OFPPort, keep, true); err != nil {
			sw.br.log.Warn("failed to remove port", "switch", sw.Name, "ofp", pi.OFPPort, "err", err)
		}
	}
}
