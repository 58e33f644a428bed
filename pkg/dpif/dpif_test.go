package dpif

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/psaab/p4rt/pkg/netdev"
)

func newTestBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	b := NewBackend(netdev.NewRegistry(), opts)
	t.Cleanup(b.Shutdown)
	return b
}

// countingClass wraps a class and counts Init calls.
type countingClass struct {
	Class
	inits atomic.Int32
	fail  error
}

func (c *countingClass) Init() error {
	c.inits.Add(1)
	if c.fail != nil {
		return c.fail
	}
	return c.Class.Init()
}

func TestRegistryDuplicate(t *testing.T) {
	b := newTestBackend(t, Options{})
	r := NewRegistry()

	first := NewUbpfClass("alpha", b)
	if err := r.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(NewNetdevClass("alpha", b)); !errors.Is(err, unix.EEXIST) {
		t.Errorf("duplicate Register() error = %v, want EEXIST", err)
	}
	c, err := r.Lookup("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if c != first || !c.Programmable() {
		t.Error("first registration was replaced")
	}
}

func TestRegistryInitFailure(t *testing.T) {
	b := newTestBackend(t, Options{})
	r := NewRegistry()
	bad := &countingClass{Class: NewNetdevClass("bad", b), fail: errors.New("boom")}
	if err := r.Register(bad); err == nil {
		t.Fatal("Register with failing Init succeeded")
	}
	if _, err := r.Lookup("bad"); !errors.Is(err, unix.EAFNOSUPPORT) {
		t.Errorf("Lookup() error = %v, want EAFNOSUPPORT", err)
	}
}

func TestRegistryInitializeOnce(t *testing.T) {
	b := newTestBackend(t, Options{})
	c := &countingClass{Class: NewUbpfClass("ubpf", b)}
	r := NewRegistry(c, NewNetdevClass("netdev", b))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Initialize(); err != nil {
				t.Errorf("Initialize: %v", err)
			}
			if _, err := r.Lookup("ubpf"); err != nil {
				t.Errorf("Lookup after Initialize: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := c.inits.Load(); n != 1 {
		t.Errorf("Init ran %d times, want 1", n)
	}
	types := r.EnumerateTypes()
	if len(types) != 2 || types[0] != "netdev" || types[1] != "ubpf" {
		t.Errorf("EnumerateTypes() = %v", types)
	}
}

func TestRegistryUnregister(t *testing.T) {
	b := newTestBackend(t, Options{})
	r := NewRegistry(b.DefaultClasses()...)
	if err := r.Unregister("netdev"); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister("netdev"); !errors.Is(err, unix.EAFNOSUPPORT) {
		t.Errorf("second Unregister() error = %v, want EAFNOSUPPORT", err)
	}
}

func TestOpenSemantics(t *testing.T) {
	b := newTestBackend(t, Options{})
	r := NewRegistry(b.DefaultClasses()...)

	if _, err := r.Open("ubpf", "dp0", false); !errors.Is(err, unix.ENODEV) {
		t.Errorf("open missing: err = %v, want ENODEV", err)
	}
	e, err := r.Open("ubpf", "dp0", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer e.Close()

	if _, err := r.Open("ubpf", "dp0", true); !errors.Is(err, unix.EEXIST) {
		t.Errorf("create existing: err = %v, want EEXIST", err)
	}
	if _, err := r.Open("netdev", "dp0", false); !errors.Is(err, unix.EINVAL) {
		t.Errorf("open with other class: err = %v, want EINVAL", err)
	}
	if _, err := r.Open("nope", "dp0", false); !errors.Is(err, unix.EAFNOSUPPORT) {
		t.Errorf("unknown type: err = %v, want EAFNOSUPPORT", err)
	}

	e2, err := r.CreateAndOpen("ubpf", "dp0")
	if err != nil {
		t.Fatalf("CreateAndOpen existing: %v", err)
	}
	e2.Close()

	info, err := e.PortQueryByNumber(LocalPort)
	if err != nil {
		t.Fatalf("local port missing: %v", err)
	}
	if info.Name != "dp0" || info.Type != netdev.TypeInternal {
		t.Errorf("local port = %+v", info)
	}
}

func TestEngineLifetime(t *testing.T) {
	b := newTestBackend(t, Options{})
	c := NewUbpfClass("ubpf", b)

	e, err := c.Open("dp0", true)
	if err != nil {
		t.Fatal(err)
	}
	e.Close()
	if names := b.Engines(); len(names) != 1 {
		t.Fatalf("engine gone after Close without Destroy: %v", names)
	}

	e, err = c.Open("dp0", false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	e.Destroy()
	if names := b.Engines(); len(names) != 1 {
		t.Fatal("engine freed while a handle is open")
	}
	e.Close()
	if names := b.Engines(); len(names) != 0 {
		t.Errorf("engine not freed: %v", names)
	}
	if _, ok := b.Netdevs().Lookup("dp0"); ok {
		t.Error("local port device not closed")
	}
}

func TestShutdownWithOpenHandle(t *testing.T) {
	b := newTestBackend(t, Options{})
	c := NewUbpfClass("ubpf", b)

	e, err := c.Open("dp0", true)
	if err != nil {
		t.Fatal(err)
	}
	// a reader that has not quiesced since the retirement
	r := b.RCU().Register()
	var ran atomic.Bool
	b.RCU().Call(func() { ran.Store(true) })

	b.Shutdown()
	if ran.Load() {
		t.Fatal("callback ran while a reader could still hold the object")
	}
	if names := b.Engines(); len(names) != 1 {
		t.Fatalf("engine freed under an open handle: %v", names)
	}

	r.Unregister()
	e.Close()
	if !ran.Load() {
		t.Error("callback not run once the last engine was freed")
	}
	if b.RCU().Pending() != 0 {
		t.Errorf("pending = %d after last engine freed", b.RCU().Pending())
	}
}

func openEngine(t *testing.T, b *Backend, programmable bool) Engine {
	t.Helper()
	c := NewNetdevClass("netdev", b)
	if programmable {
		c = NewUbpfClass("ubpf", b)
	}
	e, err := c.Open("dp0", true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Destroy()
		e.Close()
	})
	return e
}

func TestPortNumbers(t *testing.T) {
	b := newTestBackend(t, Options{MaxPorts: 3})
	e := openEngine(t, b, true)

	for i, name := range []string{"a", "b", "c"} {
		no, err := e.PortAdd(name, netdev.TypeMemory, PortNone)
		if err != nil {
			t.Fatalf("PortAdd(%s): %v", name, err)
		}
		if no != uint32(i+1) {
			t.Errorf("PortAdd(%s) = %d, want %d", name, no, i+1)
		}
	}
	if _, err := e.PortAdd("d", netdev.TypeMemory, PortNone); !errors.Is(err, unix.EFBIG) {
		t.Errorf("PortAdd on full engine: err = %v, want EFBIG", err)
	}
	if _, err := e.PortAdd("a", netdev.TypeMemory, PortNone); !errors.Is(err, unix.EEXIST) {
		t.Errorf("PortAdd duplicate name: err = %v, want EEXIST", err)
	}

	if err := e.PortDel(2); err != nil {
		t.Fatal(err)
	}
	if _, err := e.PortAdd("x", netdev.TypeMemory, 1); !errors.Is(err, unix.EBUSY) {
		t.Errorf("PortAdd taken number: err = %v, want EBUSY", err)
	}
	no, err := e.PortAdd("x", netdev.TypeMemory, PortNone)
	if err != nil || no != 2 {
		t.Errorf("PortAdd after delete = %d, %v, want 2", no, err)
	}

	if err := e.PortDel(LocalPort); !errors.Is(err, unix.EINVAL) {
		t.Errorf("PortDel(local) error = %v, want EINVAL", err)
	}
	if err := e.PortDel(3); err != nil {
		t.Fatal(err)
	}
	if err := e.PortDel(3); !errors.Is(err, unix.ENODEV) {
		t.Errorf("PortDel twice: err = %v, want ENODEV", err)
	}
	if _, err := e.PortQueryByName("c"); !errors.Is(err, unix.ENODEV) {
		t.Errorf("PortQueryByName(deleted) err = %v, want ENODEV", err)
	}
}

func TestPortNumbersStayUnique(t *testing.T) {
	b := newTestBackend(t, Options{})
	e := openEngine(t, b, false)

	names := []string{"p0", "p1", "p2", "p3", "p4", "p5"}
	live := make(map[string]uint32)
	for round := 0; round < 20; round++ {
		for i, n := range names {
			if _, ok := live[n]; ok && (round+i)%3 == 0 {
				if err := e.PortDel(live[n]); err != nil {
					t.Fatal(err)
				}
				delete(live, n)
				continue
			}
			if _, ok := live[n]; !ok {
				no, err := e.PortAdd(n, netdev.TypeMemory, PortNone)
				if err != nil {
					t.Fatal(err)
				}
				live[n] = no
			}
		}
		seen := make(map[uint32]string)
		e.PortDump(func(p PortInfo) bool {
			if other, dup := seen[p.Port]; dup {
				t.Fatalf("ports %s and %s share number %d", other, p.Name, p.Port)
			}
			seen[p.Port] = p.Name
			return true
		})
		if len(seen) != len(live)+1 {
			t.Fatalf("dump has %d ports, want %d", len(seen), len(live)+1)
		}
	}
}

func TestPortDumpOrderAndStop(t *testing.T) {
	b := newTestBackend(t, Options{})
	e := openEngine(t, b, false)
	for _, n := range []string{"a", "b", "c"} {
		if _, err := e.PortAdd(n, netdev.TypeMemory, PortNone); err != nil {
			t.Fatal(err)
		}
	}
	var got []uint32
	e.PortDump(func(p PortInfo) bool {
		got = append(got, p.Port)
		return len(got) < 3
	})
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("PortDump order = %v, want [0 1 2]", got)
	}
}
