package dpif

import (
	"fmt"
	"time"

	"github.com/psaab/p4rt/pkg/netdev"
	"github.com/psaab/p4rt/pkg/pipeline"
	"github.com/psaab/p4rt/pkg/ubpf"
)

// netdevClass opens engines of the shared Backend. The plain variant sends
// every packet down the normal L2 path; the programmable variant runs the
// installed program.
type netdevClass struct {
	typ          string
	b            *Backend
	programmable bool
}

// NewNetdevClass returns a plain class registered as typ.
func NewNetdevClass(typ string, b *Backend) Class {
	return &netdevClass{typ: typ, b: b}
}

// NewUbpfClass returns a programmable class registered as typ.
func NewUbpfClass(typ string, b *Backend) Class {
	return &netdevClass{typ: typ, b: b, programmable: true}
}

func (c *netdevClass) Type() string       { return c.typ }
func (c *netdevClass) Programmable() bool { return c.programmable }

// Init checks that the VM runs a trivial program.
func (c *netdevClass) Init() error {
	if !c.programmable {
		return nil
	}
	code, err := ubpf.Assemble(ubpf.ActionProgram(uint32(pipeline.ActionDrop), 0))
	if err != nil {
		return err
	}
	p, err := newProgram(0, code)
	if err != nil {
		return fmt.Errorf("vm self test: %w", err)
	}
	defer p.destroy()
	a, err := p.Classify(nil, 0)
	if err != nil || a.Kind != pipeline.ActionDrop {
		return fmt.Errorf("vm self test: got %v, %v", a, err)
	}
	return nil
}

func (c *netdevClass) Open(name string, create bool) (Engine, error) {
	dp, err := c.b.open(c, name, create)
	if err != nil {
		return nil, err
	}
	return &handle{Datapath: dp}, nil
}

func (c *netdevClass) PortOpenType(portType string) string {
	switch portType {
	case "":
		return netdev.TypeSystem
	case netdev.TypeInternal:
		return netdev.TypeInternal
	}
	return portType
}

// Program is a loaded bytecode program.
type Program struct {
	ID     uint32
	Size   int
	Loaded time.Time

	vm *ubpf.VM
}

func newProgram(id uint32, code []byte) (*Program, error) {
	vm := ubpf.New(id)
	if err := vm.Load(code); err != nil {
		vm.Destroy()
		return nil, fmt.Errorf("load program %d: %w", id, err)
	}
	return &Program{ID: id, Size: len(code), Loaded: time.Now(), vm: vm}, nil
}

// Classify runs the program on pkt.
func (p *Program) Classify(pkt []byte, inPort uint32) (pipeline.Action, error) {
	md := ubpf.Metadata{InputPort: inPort}
	if _, err := p.vm.Run(pkt, &md); err != nil {
		return pipeline.Action{}, err
	}
	return pipeline.Action{Kind: pipeline.ActionKind(md.OutputAction), Port: md.OutputPort}, nil
}

func (p *Program) destroy() { p.vm.Destroy() }

// passAll classifies every packet for the normal path.
type passAll struct{}

func (passAll) Classify([]byte, uint32) (pipeline.Action, error) {
	return pipeline.Action{Kind: pipeline.ActionPass}, nil
}
