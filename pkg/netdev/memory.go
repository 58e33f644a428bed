package netdev

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const memoryQueueLen = 4096

// Memory is an in-process device. Frames are injected with Inject and
// transmitted frames are collected for inspection.
type Memory struct {
	name string
	typ  string
	rx   chan []byte

	mu     sync.Mutex
	sent   [][]byte
	closed bool

	rxDropped atomic.Uint64
}

// NewMemory returns an open memory device.
func NewMemory(name, typ string) *Memory {
	return &Memory{name: name, typ: typ, rx: make(chan []byte, memoryQueueLen)}
}

func (m *Memory) Name() string { return m.name }
func (m *Memory) Type() string { return m.typ }

// Inject queues frames for reception. Frames that do not fit are dropped
// and counted.
func (m *Memory) Inject(pkts ...[]byte) int {
	var n int
	for _, p := range pkts {
		select {
		case m.rx <- p:
			n++
		default:
			m.rxDropped.Add(1)
		}
	}
	return n
}

// RxDropped returns the number of frames dropped by Inject.
func (m *Memory) RxDropped() uint64 { return m.rxDropped.Load() }

func (m *Memory) Recv(max int) ([][]byte, error) {
	var pkts [][]byte
	for len(pkts) < max {
		select {
		case p := <-m.rx:
			pkts = append(pkts, p)
		default:
			return pkts, nil
		}
	}
	return pkts, nil
}

func (m *Memory) Send(pkts [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("netdev %s: %w", m.name, unix.ENODEV)
	}
	for _, p := range pkts {
		m.sent = append(m.sent, append([]byte(nil), p...))
	}
	return nil
}

// Sent returns and clears the frames transmitted so far.
func (m *Memory) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sent
	m.sent = nil
	return s
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
