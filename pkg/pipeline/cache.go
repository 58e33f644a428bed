package pipeline

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Batch is an ordered set of packets received on one input port.
type Batch struct {
	InPort  uint32
	Packets [][]byte
}

// Add appends pkt to the batch.
func (b *Batch) Add(pkt []byte) {
	b.Packets = append(b.Packets, pkt)
}

// Len returns the number of queued packets.
func (b *Batch) Len() int { return len(b.Packets) }

// Cap returns the capacity of the packet storage.
func (b *Batch) Cap() int { return cap(b.Packets) }

// Reset empties the batch and keeps its storage.
func (b *Batch) Reset() {
	clear(b.Packets)
	b.Packets = b.Packets[:0]
}

// ActionFlow is a cache entry: an action plus the packets queued for it in
// the current round.
type ActionFlow struct {
	Signature uint32
	Action    Action

	batch *Batch
	// next chains flows whose actions collide on Signature.
	next atomic.Pointer[ActionFlow]
}

// Batch returns the pending batch, or nil if the flow never queued a packet.
func (f *ActionFlow) Batch() *Batch { return f.batch }

func (f *ActionFlow) enqueue(inPort uint32, pkt []byte) {
	if f.batch == nil {
		f.batch = &Batch{}
	}
	if f.batch.Len() == 0 {
		f.batch.InPort = inPort
	}
	f.batch.Add(pkt)
}

// Cache maps action signatures to flows. It is written only by its owning
// worker; Range and Len may be called from other goroutines.
type Cache struct {
	flows *xsync.Map[uint32, *ActionFlow]
	count atomic.Int64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{flows: xsync.NewMap[uint32, *ActionFlow]()}
}

// Lookup returns the flow for a, or nil.
func (c *Cache) Lookup(a Action) *ActionFlow {
	f, ok := c.flows.Load(a.Signature())
	if !ok {
		return nil
	}
	for ; f != nil; f = f.next.Load() {
		if f.Action == a {
			return f
		}
	}
	return nil
}

// Get returns the flow for a, creating it on first use.
func (c *Cache) Get(a Action) *ActionFlow {
	sig := a.Signature()
	head, ok := c.flows.Load(sig)
	if !ok {
		nf := &ActionFlow{Signature: sig, Action: a}
		var loaded bool
		head, loaded = c.flows.LoadOrStore(sig, nf)
		if !loaded {
			c.count.Add(1)
			return nf
		}
	}
	f := head
	for {
		if f.Action == a {
			return f
		}
		next := f.next.Load()
		if next == nil {
			nf := &ActionFlow{Signature: sig, Action: a}
			if f.next.CompareAndSwap(nil, nf) {
				c.count.Add(1)
				return nf
			}
			next = f.next.Load()
		}
		f = next
	}
}

// Len returns the number of flows in the cache.
func (c *Cache) Len() int { return int(c.count.Load()) }

// Range calls fn for every flow until fn returns false.
func (c *Cache) Range(fn func(*ActionFlow) bool) {
	c.flows.Range(func(_ uint32, head *ActionFlow) bool {
		for f := head; f != nil; f = f.next.Load() {
			if !fn(f) {
				return false
			}
		}
		return true
	})
}
