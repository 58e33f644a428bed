package netdev

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestRegistrySharesDevices(t *testing.T) {
	r := NewRegistry()
	a, err := r.Open("tap0", TypeMemory)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := r.Open("tap0", "")
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if Unwrap(a) != Unwrap(b) {
		t.Error("handles do not share the device")
	}
	if r.Refs("tap0") != 2 {
		t.Errorf("Refs() = %d, want 2", r.Refs("tap0"))
	}

	mem := Unwrap(a).(*Memory)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if mem.Closed() {
		t.Fatal("device closed while a handle remains")
	}
	if r.Refs("tap0") != 1 {
		t.Errorf("double Close dropped two references: Refs() = %d", r.Refs("tap0"))
	}
	b.Close()
	if !mem.Closed() {
		t.Error("device not closed after last handle")
	}
	if _, ok := r.Lookup("tap0"); ok {
		t.Error("closed device still registered")
	}
}

func TestRegistryOpenErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Open("x", "bogus"); !errors.Is(err, unix.EAFNOSUPPORT) {
		t.Errorf("unknown type: err = %v, want EAFNOSUPPORT", err)
	}
	d, err := r.Open("x", TypeMemory)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if _, err := r.Open("x", TypeInternal); !errors.Is(err, unix.EINVAL) {
		t.Errorf("type mismatch: err = %v, want EINVAL", err)
	}

	r.RegisterType("broken", func(string) (Device, error) { return nil, unix.ENODEV })
	if _, err := r.Open("y", "broken"); !errors.Is(err, unix.ENODEV) {
		t.Errorf("factory error: err = %v, want ENODEV", err)
	}
	if _, ok := r.Lookup("y"); ok {
		t.Error("failed open left a device behind")
	}
}

func TestRegistryTypes(t *testing.T) {
	got := NewRegistry().Types()
	want := []string{TypeInternal, TypeMemory, TypeSystem}
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMemoryRecvSend(t *testing.T) {
	m := NewMemory("m0", TypeMemory)
	if pkts, err := m.Recv(8); err != nil || len(pkts) != 0 {
		t.Fatalf("Recv on empty device = %d, %v", len(pkts), err)
	}
	m.Inject([]byte("a"), []byte("b"), []byte("c"))
	pkts, _ := m.Recv(2)
	if len(pkts) != 2 || string(pkts[0]) != "a" || string(pkts[1]) != "b" {
		t.Errorf("Recv(2) = %q", pkts)
	}
	pkts, _ = m.Recv(8)
	if len(pkts) != 1 || string(pkts[0]) != "c" {
		t.Errorf("Recv(8) = %q", pkts)
	}

	frame := []byte("frame")
	if err := m.Send([][]byte{frame}); err != nil {
		t.Fatal(err)
	}
	frame[0] = 'X'
	sent := m.Sent()
	if len(sent) != 1 || string(sent[0]) != "frame" {
		t.Errorf("Sent() = %q, want copy of frame", sent)
	}
	if len(m.Sent()) != 0 {
		t.Error("Sent() did not clear")
	}

	m.Close()
	if err := m.Send([][]byte{frame}); !errors.Is(err, unix.ENODEV) {
		t.Errorf("Send after Close: err = %v, want ENODEV", err)
	}
}

func TestMemoryInjectOverflow(t *testing.T) {
	m := NewMemory("m0", TypeMemory)
	pkts := make([][]byte, memoryQueueLen+3)
	for i := range pkts {
		pkts[i] = []byte{byte(i)}
	}
	if n := m.Inject(pkts...); n != memoryQueueLen {
		t.Errorf("Inject() = %d, want %d", n, memoryQueueLen)
	}
	if m.RxDropped() != 3 {
		t.Errorf("RxDropped() = %d, want 3", m.RxDropped())
	}
}

func TestOpenSystemMissingLink(t *testing.T) {
	if _, err := NewRegistry().Open("p4rt-does-not-exist0", TypeSystem); err == nil {
		t.Error("opening a missing link succeeded")
	}
}

type readResult struct {
	frame string
	err   error
}

func TestRecvBatch(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		reads   []readResult
		max     int
		want    []string
		wantErr error
	}{
		{"empty queue returns at once", []readResult{{err: unix.EAGAIN}}, 8, nil, nil},
		{"drains until EAGAIN", []readResult{{frame: "a"}, {frame: "bb"}, {err: unix.EAGAIN}}, 8, []string{"a", "bb"}, nil},
		{"stops at max", []readResult{{frame: "a"}, {frame: "b"}, {frame: "c"}}, 2, []string{"a", "b"}, nil},
		{"retries EINTR", []readResult{{err: unix.EINTR}, {frame: "a"}, {err: unix.EAGAIN}}, 8, []string{"a"}, nil},
		{"keeps frames read before an error", []readResult{{frame: "a"}, {err: boom}}, 8, []string{"a"}, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			read := func(b []byte) (int, error) {
				if calls >= len(tt.reads) {
					t.Fatalf("read %d past the scripted results", calls)
				}
				r := tt.reads[calls]
				calls++
				if r.err != nil {
					return 0, r.err
				}
				return copy(b, r.frame), nil
			}
			pkts, err := recvBatch(read, make([]byte, 16), tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if len(pkts) != len(tt.want) {
				t.Fatalf("got %d frames, want %d", len(pkts), len(tt.want))
			}
			for i, p := range pkts {
				if string(p) != tt.want[i] {
					t.Errorf("frame %d = %q, want %q", i, p, tt.want[i])
				}
			}
		})
	}
}
