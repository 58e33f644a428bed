package dpif

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/puzpuzpuz/xsync/v4"
)

type macAddr [6]byte

type macEntry struct {
	port uint32
	seen int64 // unix nanoseconds
}

// l2Switch is the normal forwarding path: learn source MACs, forward to the
// learned port, flood unknown and multicast destinations.
type l2Switch struct {
	dp    *Datapath
	macs  *xsync.Map[macAddr, macEntry]
	aging time.Duration

	flooded atomic.Uint64
	now     func() time.Time
}

func newL2Switch(dp *Datapath, aging time.Duration) *l2Switch {
	return &l2Switch{
		dp:    dp,
		macs:  xsync.NewMap[macAddr, macEntry](),
		aging: aging,
		now:   time.Now,
	}
}

func (s *l2Switch) forward(inPort uint32, pkts [][]byte) {
	now := s.now().UnixNano()
	out := make(map[uint32][][]byte)
	var flood [][]byte

	var eth layers.Ethernet
	for _, pkt := range pkts {
		if err := eth.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
			s.dp.dropped.Add(1)
			continue
		}
		var src macAddr
		copy(src[:], eth.SrcMAC)
		if !isMulticast(eth.SrcMAC) {
			s.macs.Store(src, macEntry{port: inPort, seen: now})
		}

		var dst macAddr
		copy(dst[:], eth.DstMAC)
		if !isMulticast(eth.DstMAC) {
			if e, ok := s.macs.Load(dst); ok {
				if e.port != inPort {
					out[e.port] = append(out[e.port], pkt)
				} else {
					s.dp.dropped.Add(1)
				}
				continue
			}
		}
		flood = append(flood, pkt)
	}

	for no, batch := range out {
		s.dp.output(no, batch)
	}
	if len(flood) == 0 {
		return
	}
	s.flooded.Add(uint64(len(flood)))
	for _, p := range s.dp.portSnapshot() {
		if p.no != inPort {
			s.dp.output(p.no, flood)
		}
	}
}

// age forgets entries idle for longer than the aging time.
func (s *l2Switch) age() int {
	cutoff := s.now().Add(-s.aging).UnixNano()
	var n int
	s.macs.Range(func(k macAddr, e macEntry) bool {
		if e.seen < cutoff {
			s.macs.Delete(k)
			n++
		}
		return true
	})
	return n
}

// lookup returns the port mac was learned on.
func (s *l2Switch) lookup(mac net.HardwareAddr) (uint32, bool) {
	var k macAddr
	copy(k[:], mac)
	e, ok := s.macs.Load(k)
	return e.port, ok
}

func isMulticast(mac net.HardwareAddr) bool {
	return len(mac) > 0 && mac[0]&1 == 1
}
