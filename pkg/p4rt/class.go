package p4rt

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/psaab/p4rt/pkg/dpif"
)

// Class is a switch provider. A class serves every datapath type it
// enumerates.
type Class interface {
	Name() string
	EnumerateTypes() []string
	PortOpenType(datapathType, portType string) string
	// TypeRun performs periodic work shared by all switches of typ.
	TypeRun(typ string) error

	Construct(sw *Switch) error
	Destruct(sw *Switch)
	// Release frees what Construct acquired. It runs once the switch is
	// no longer referenced.
	Release(sw *Switch, deleteEngine bool) error
	Run(sw *Switch) error

	// PortAdd attaches device name to the engine and returns its engine
	// port number.
	PortAdd(sw *Switch, name, typ string) (uint32, error)
	PortDel(sw *Switch, odp uint32) error
	PortQueryByName(sw *Switch, name string) (dpif.PortInfo, error)
	PortConstruct(sw *Switch, p *Port) error
	PortDestruct(sw *Switch, p *Port, preserve bool) error

	ProgramInsert(sw *Switch, prog *Program) error
	ProgramDelete(sw *Switch) error
}

// dpifClass backs switches with dpif engines, one shared Backer per type.
type dpifClass struct {
	dpifs   *dpif.Registry
	backers *Backers
}

func newDpifClass(dpifs *dpif.Registry, backers *Backers) *dpifClass {
	return &dpifClass{dpifs: dpifs, backers: backers}
}

func (c *dpifClass) Name() string { return "dpif" }

func (c *dpifClass) EnumerateTypes() []string { return c.dpifs.EnumerateTypes() }

func (c *dpifClass) PortOpenType(datapathType, portType string) string {
	dc, err := c.dpifs.Lookup(datapathType)
	if err != nil {
		return portType
	}
	return dc.PortOpenType(portType)
}

func (c *dpifClass) TypeRun(typ string) error {
	if b, ok := c.backers.Lookup(typ); ok {
		b.Engine.Run()
	}
	return nil
}

func (c *dpifClass) Construct(sw *Switch) error {
	b, err := c.backers.Acquire(sw.Type)
	if err != nil {
		return err
	}
	sw.backer = b
	return nil
}

func (c *dpifClass) Destruct(sw *Switch) {}

// Release drops the switch's backer reference. sw.backer stays set so that
// readers racing with destruction see a fenced switch, not a nil backer.
func (c *dpifClass) Release(sw *Switch, deleteEngine bool) error {
	if sw.backer == nil {
		return nil
	}
	return c.backers.Release(sw.backer, deleteEngine)
}

func (c *dpifClass) Run(sw *Switch) error { return nil }

func (c *dpifClass) PortAdd(sw *Switch, name, typ string) (uint32, error) {
	return sw.backer.Engine.PortAdd(name, typ, dpif.PortNone)
}

func (c *dpifClass) PortDel(sw *Switch, odp uint32) error {
	return sw.backer.Engine.PortDel(odp)
}

func (c *dpifClass) PortQueryByName(sw *Switch, name string) (dpif.PortInfo, error) {
	return sw.backer.Engine.PortQueryByName(name)
}

// PortConstruct checks that the engine still has the port the switch
// recorded.
func (c *dpifClass) PortConstruct(sw *Switch, p *Port) error {
	info, err := sw.backer.Engine.PortQueryByName(p.Name())
	if err != nil {
		return fmt.Errorf("construct port %s: %w", p.Name(), err)
	}
	if info.Port != p.ODP {
		return fmt.Errorf("construct port %s: engine port %d, expected %d: %w",
			p.Name(), info.Port, p.ODP, unix.EINVAL)
	}
	return nil
}

func (c *dpifClass) PortDestruct(sw *Switch, p *Port, preserve bool) error {
	if preserve {
		return nil
	}
	err := sw.backer.Engine.PortDel(p.ODP)
	if errors.Is(err, unix.ENODEV) {
		return nil
	}
	return err
}

func (c *dpifClass) ProgramInsert(sw *Switch, prog *Program) error {
	b := sw.backer
	b.progMu.Lock()
	defer b.progMu.Unlock()
	if err := b.Engine.ProgramSet(prog.ID, prog.Data); err != nil {
		return err
	}
	b.program = prog
	return nil
}

func (c *dpifClass) ProgramDelete(sw *Switch) error {
	b := sw.backer
	b.progMu.Lock()
	defer b.progMu.Unlock()
	if err := b.Engine.ProgramUnset(); err != nil {
		return err
	}
	b.program = nil
	return nil
}

func classServes(c Class, typ string) bool {
	return slices.Contains(c.EnumerateTypes(), typ)
}
