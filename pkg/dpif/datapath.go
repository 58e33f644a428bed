package dpif

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/psaab/p4rt/pkg/netdev"
	"github.com/psaab/p4rt/pkg/pipeline"
	"github.com/psaab/p4rt/pkg/rcu"
)

// Datapath is a netdev forwarding engine. Handles returned by Class.Open
// share one Datapath.
type Datapath struct {
	b     *Backend
	class Class
	name  string

	// guarded by b.mu
	refs      int
	destroyed bool

	portMu  sync.RWMutex
	ports   map[uint32]*port
	byName  map[string]uint32
	workers []*worker

	progMu  sync.Mutex
	program atomic.Pointer[Program]

	execMu     sync.Mutex
	execPipe   *pipeline.Pipeline
	execReader *rcu.Reader

	normal *l2Switch

	txPackets atomic.Uint64
	txDropped atomic.Uint64
	dropped   atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type port struct {
	no   uint32
	name string
	typ  string
	dev  netdev.Device

	rxPackets atomic.Uint64
	txPackets atomic.Uint64
}

func (p *port) info() PortInfo {
	return PortInfo{
		Name:      p.name,
		Type:      p.typ,
		Port:      p.no,
		RxPackets: p.rxPackets.Load(),
		TxPackets: p.txPackets.Load(),
	}
}

// newDatapath creates the engine with its local port and starts the
// workers. It holds one reference for the engine's existence, dropped by
// Destroy. Called with b.mu held.
func newDatapath(b *Backend, c Class, name string) (*Datapath, error) {
	dp := &Datapath{
		b:      b,
		class:  c,
		name:   name,
		refs:   1,
		ports:  make(map[uint32]*port),
		byName: make(map[string]uint32),
	}
	dp.normal = newL2Switch(dp, b.opts.MACAging)
	dp.execPipe = pipeline.New(pipeline.ExecutorFunc(dp.executeAction))
	dp.execReader = b.rcu.Register()
	dp.execReader.Offline()

	for i := 0; i < b.opts.Workers; i++ {
		dp.workers = append(dp.workers, newWorker(dp, i))
	}

	if _, err := dp.PortAdd(name, c.PortOpenType(netdev.TypeInternal), LocalPort); err != nil {
		dp.execReader.Unregister()
		return nil, fmt.Errorf("create local port of %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dp.cancel = cancel
	for _, w := range dp.workers {
		dp.wg.Add(1)
		go func() {
			defer dp.wg.Done()
			w.run(ctx)
		}()
	}
	b.log.Info("created datapath", "name", name, "type", c.Type(), "workers", len(dp.workers))
	return dp, nil
}

// free stops the workers, detaches every port and retires the program.
func (dp *Datapath) free() {
	dp.cancel()
	dp.wg.Wait()

	dp.portMu.Lock()
	ports := dp.ports
	dp.ports = make(map[uint32]*port)
	dp.byName = make(map[string]uint32)
	for _, w := range dp.workers {
		w.setPorts(nil)
	}
	dp.portMu.Unlock()
	for _, p := range ports {
		p.dev.Close()
	}

	if old := dp.program.Swap(nil); old != nil {
		dp.retire(old)
	}
	dp.execReader.Unregister()
	dp.b.log.Info("destroyed datapath", "name", dp.name, "type", dp.class.Type())
}

func (dp *Datapath) Name() string { return dp.name }
func (dp *Datapath) Type() string { return dp.class.Type() }

// Run ages learned MAC addresses and reclaims retired objects.
func (dp *Datapath) Run() {
	dp.normal.age()
	dp.b.rcu.Reclaim()
}

func (dp *Datapath) PortAdd(name, typ string, no uint32) (uint32, error) {
	dp.portMu.Lock()
	defer dp.portMu.Unlock()

	if _, ok := dp.byName[name]; ok {
		return 0, fmt.Errorf("port %s already in datapath %s: %w", name, dp.name, unix.EEXIST)
	}
	if no != PortNone {
		if no > dp.b.opts.MaxPorts {
			return 0, fmt.Errorf("port number %d: %w", no, unix.EINVAL)
		}
		if _, ok := dp.ports[no]; ok {
			return 0, fmt.Errorf("port number %d: %w", no, unix.EBUSY)
		}
	} else {
		var err error
		if no, err = dp.choosePort(); err != nil {
			return 0, err
		}
	}

	dev, err := dp.b.netdevs.Open(name, typ)
	if err != nil {
		return 0, err
	}
	p := &port{no: no, name: name, typ: dev.Type(), dev: dev}
	dp.ports[no] = p
	dp.byName[name] = no

	w := dp.workers[0]
	for _, cand := range dp.workers[1:] {
		if len(cand.portList()) < len(w.portList()) {
			w = cand
		}
	}
	w.setPorts(append(append([]*port(nil), w.portList()...), p))

	dp.b.log.Debug("port added", "datapath", dp.name, "port", name, "number", no, "worker", w.id)
	return no, nil
}

// choosePort returns the lowest free port number. Called with portMu held.
func (dp *Datapath) choosePort() (uint32, error) {
	for no := uint32(1); no <= dp.b.opts.MaxPorts; no++ {
		if _, ok := dp.ports[no]; !ok {
			return no, nil
		}
	}
	return 0, fmt.Errorf("datapath %s: no free port number: %w", dp.name, unix.EFBIG)
}

func (dp *Datapath) PortDel(no uint32) error {
	if no == LocalPort {
		return fmt.Errorf("cannot delete local port: %w", unix.EINVAL)
	}

	dp.portMu.Lock()
	p, ok := dp.ports[no]
	if !ok {
		dp.portMu.Unlock()
		return fmt.Errorf("datapath %s port %d: %w", dp.name, no, unix.ENODEV)
	}
	delete(dp.ports, no)
	delete(dp.byName, p.name)
	for _, w := range dp.workers {
		old := w.portList()
		kept := make([]*port, 0, len(old))
		for _, q := range old {
			if q != p {
				kept = append(kept, q)
			}
		}
		if len(kept) != len(old) {
			w.setPorts(kept)
		}
	}
	dp.portMu.Unlock()

	// A worker may still be polling the device in its current round.
	dp.b.rcu.Call(func() { p.dev.Close() })
	dp.b.log.Debug("port deleted", "datapath", dp.name, "port", p.name, "number", no)
	return nil
}

func (dp *Datapath) PortQueryByName(name string) (PortInfo, error) {
	dp.portMu.RLock()
	defer dp.portMu.RUnlock()
	no, ok := dp.byName[name]
	if !ok {
		return PortInfo{}, fmt.Errorf("datapath %s has no port %s: %w", dp.name, name, unix.ENODEV)
	}
	return dp.ports[no].info(), nil
}

func (dp *Datapath) PortQueryByNumber(no uint32) (PortInfo, error) {
	if no > MaxPortNumber {
		return PortInfo{}, fmt.Errorf("port number %d: %w", no, unix.EINVAL)
	}
	dp.portMu.RLock()
	defer dp.portMu.RUnlock()
	p, ok := dp.ports[no]
	if !ok {
		return PortInfo{}, fmt.Errorf("datapath %s port %d: %w", dp.name, no, unix.ENODEV)
	}
	return p.info(), nil
}

func (dp *Datapath) PortDump(fn func(PortInfo) bool) {
	for _, p := range dp.portSnapshot() {
		if !fn(p.info()) {
			return
		}
	}
}

// portSnapshot returns the ports sorted by number.
func (dp *Datapath) portSnapshot() []*port {
	dp.portMu.RLock()
	ports := make([]*port, 0, len(dp.ports))
	for _, p := range dp.ports {
		ports = append(ports, p)
	}
	dp.portMu.RUnlock()
	sort.Slice(ports, func(i, j int) bool { return ports[i].no < ports[j].no })
	return ports
}

func (dp *Datapath) lookupPort(no uint32) *port {
	dp.portMu.RLock()
	defer dp.portMu.RUnlock()
	return dp.ports[no]
}

func (dp *Datapath) ProgramSet(id uint32, code []byte) error {
	if !dp.class.Programmable() {
		return fmt.Errorf("datapath type %s: %w", dp.class.Type(), unix.EOPNOTSUPP)
	}
	prog, err := newProgram(id, code)
	if err != nil {
		return err
	}

	dp.progMu.Lock()
	old := dp.program.Swap(prog)
	dp.progMu.Unlock()
	if old != nil {
		dp.retire(old)
	}
	dp.b.log.Info("program installed", "datapath", dp.name, "id", id, "size", len(code))
	return nil
}

func (dp *Datapath) ProgramUnset() error {
	if !dp.class.Programmable() {
		return fmt.Errorf("datapath type %s: %w", dp.class.Type(), unix.EOPNOTSUPP)
	}
	dp.progMu.Lock()
	old := dp.program.Swap(nil)
	dp.progMu.Unlock()
	if old != nil {
		dp.retire(old)
		dp.b.log.Info("program removed", "datapath", dp.name, "id", old.ID)
	}
	return nil
}

// Program returns the active program, or nil.
func (dp *Datapath) Program() *Program { return dp.program.Load() }

// retire frees p after every worker has finished the round it may be
// running p in.
func (dp *Datapath) retire(p *Program) {
	dp.b.rcu.Call(p.destroy)
}

// classifier returns what the pipeline runs for the current round.
func (dp *Datapath) classifier() pipeline.Classifier {
	if !dp.class.Programmable() {
		return passAll{}
	}
	if p := dp.program.Load(); p != nil {
		return p
	}
	return nil
}

func (dp *Datapath) Execute(inPort uint32, pkts [][]byte) error {
	if dp.lookupPort(inPort) == nil {
		return fmt.Errorf("datapath %s port %d: %w", dp.name, inPort, unix.ENODEV)
	}
	dp.execMu.Lock()
	defer dp.execMu.Unlock()
	dp.execReader.Online()
	dp.execPipe.Round(dp.classifier(), inPort, pkts)
	dp.execReader.Offline()
	return nil
}

// executeAction is the pipeline executor shared by every worker.
func (dp *Datapath) executeAction(inPort uint32, a pipeline.Action, pkts [][]byte) {
	switch a.Kind {
	case pipeline.ActionPass:
		dp.normal.forward(inPort, pkts)
	case pipeline.ActionRedirect:
		dp.output(a.Port, pkts)
	default:
		dp.dropped.Add(uint64(len(pkts)))
	}
}

func (dp *Datapath) output(no uint32, pkts [][]byte) {
	p := dp.lookupPort(no)
	if p == nil {
		dp.txDropped.Add(uint64(len(pkts)))
		return
	}
	if err := p.dev.Send(pkts); err != nil {
		dp.txDropped.Add(uint64(len(pkts)))
		dp.b.log.Debug("send failed", "datapath", dp.name, "port", p.name, "err", err)
		return
	}
	p.txPackets.Add(uint64(len(pkts)))
	dp.txPackets.Add(uint64(len(pkts)))
}

func (dp *Datapath) Stats() Stats {
	st := Stats{
		TxPackets: dp.txPackets.Load(),
		TxDropped: dp.txDropped.Load(),
		Dropped:   dp.dropped.Load(),
		Flooded:   dp.normal.flooded.Load(),
		Workers:   len(dp.workers),
		MACs:      dp.normal.macs.Size(),
	}
	pipes := []*pipeline.Pipeline{dp.execPipe}
	for _, w := range dp.workers {
		pipes = append(pipes, w.pipe)
	}
	for _, p := range pipes {
		ps := p.Stats()
		st.Hits += ps.Hits
		st.Missed += ps.Unhandled
		st.Errors += ps.Errors
		st.Batches += ps.Executions
		st.Flows += ps.Flows
	}
	dp.portMu.RLock()
	st.Ports = len(dp.ports)
	dp.portMu.RUnlock()
	if p := dp.program.Load(); p != nil {
		st.Program = true
		st.ProgramID = p.ID
	}
	return st
}
