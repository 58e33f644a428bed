package p4rt

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/psaab/p4rt/pkg/dpif"
	"github.com/psaab/p4rt/pkg/logging"
	"github.com/psaab/p4rt/pkg/netdev"
	"github.com/psaab/p4rt/pkg/pipeline"
	"github.com/psaab/p4rt/pkg/ubpf"
)

// countingClass counts engine opens and closes of the class it wraps.
type countingClass struct {
	dpif.Class
	opens  atomic.Int32
	closes atomic.Int32
}

func (c *countingClass) Open(name string, create bool) (dpif.Engine, error) {
	e, err := c.Class.Open(name, create)
	if err != nil {
		return nil, err
	}
	c.opens.Add(1)
	return &countingEngine{Engine: e, closes: &c.closes}, nil
}

type countingEngine struct {
	dpif.Engine
	closes *atomic.Int32
}

func (e *countingEngine) Close() error {
	e.closes.Add(1)
	return e.Engine.Close()
}

type testEnv struct {
	br      *Bridge
	backend *dpif.Backend
	dpifs   *dpif.Registry
	events  *logging.EventBuffer
	ubpf    *countingClass
	plain   *countingClass
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	b := dpif.NewBackend(netdev.NewRegistry(), dpif.Options{Logger: quietLogger()})
	t.Cleanup(b.Shutdown)

	env := &testEnv{
		backend: b,
		events:  logging.NewEventBuffer(256),
		ubpf:    &countingClass{Class: dpif.NewUbpfClass("ubpf", b)},
		plain:   &countingClass{Class: dpif.NewNetdevClass("netdev", b)},
	}
	env.dpifs = dpif.NewRegistry(env.ubpf, env.plain)

	if opts.Events == nil {
		opts.Events = env.events
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	env.br = New(env.dpifs, b.Netdevs(), opts)
	if err := env.br.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { env.br.Teardown(true) })
	return env
}

func (env *testEnv) createSwitch(t *testing.T, name, typ string, ports ...string) *Switch {
	t.Helper()
	sw, err := env.br.CreateSwitch(name, typ)
	if err != nil {
		t.Fatalf("CreateSwitch(%s, %s): %v", name, typ, err)
	}
	for _, p := range ports {
		if _, err := sw.AddPort(p, netdev.TypeMemory, OFPPNone); err != nil {
			t.Fatalf("AddPort(%s, %s): %v", name, p, err)
		}
	}
	return sw
}

func (env *testEnv) device(t *testing.T, name string) *netdev.Memory {
	t.Helper()
	d, ok := env.backend.Netdevs().Lookup(name)
	if !ok {
		t.Fatalf("device %s not open", name)
	}
	return d.(*netdev.Memory)
}

func (env *testEnv) eventTypes(sw string) []string {
	var types []string
	recs := env.events.LatestFiltered(1000, logging.EventFilter{Switch: sw})
	for i := len(recs) - 1; i >= 0; i-- {
		types = append(types, recs[i].Type)
	}
	return types
}

func redirectProgram(t *testing.T, port uint32) []byte {
	t.Helper()
	code, err := ubpf.Assemble(ubpf.ActionProgram(uint32(pipeline.ActionRedirect), port))
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func frames(n int) [][]byte {
	pkts := make([][]byte, n)
	for i := range pkts {
		pkts[i] = []byte{byte(i), 0x55, 0x55}
	}
	return pkts
}
