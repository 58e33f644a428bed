package pipeline

import (
	"sync/atomic"
)

// Classifier selects an action for one packet. The published program of a
// datapath implements it.
type Classifier interface {
	Classify(pkt []byte, inPort uint32) (Action, error)
}

// Executor carries out an action on a batch of packets. pkts is only valid
// for the duration of the call.
type Executor interface {
	Execute(inPort uint32, a Action, pkts [][]byte)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(inPort uint32, a Action, pkts [][]byte)

// Execute calls f.
func (f ExecutorFunc) Execute(inPort uint32, a Action, pkts [][]byte) { f(inPort, a, pkts) }

// Stats are the pipeline counters.
type Stats struct {
	Hits       uint64 // packets classified
	Unhandled  uint64 // packets seen while no classifier was set
	Errors     uint64 // classifier failures
	Executions uint64 // batch executions
	Flows      int    // cache entries
}

// Pipeline is the per-worker processing state. It is not safe for concurrent
// use except for Stats.
type Pipeline struct {
	cache *Cache
	exec  Executor

	hits       atomic.Uint64
	unhandled  atomic.Uint64
	errors     atomic.Uint64
	executions atomic.Uint64
}

// New returns a pipeline that hands completed batches to exec.
func New(exec Executor) *Pipeline {
	return &Pipeline{cache: NewCache(), exec: exec}
}

// Cache returns the pipeline's action cache.
func (p *Pipeline) Cache() *Cache { return p.cache }

// Round classifies pkts received on inPort and flushes every pending batch.
// A nil classifier leaves the packets unhandled. It returns the number of
// batch executions.
func (p *Pipeline) Round(cls Classifier, inPort uint32, pkts [][]byte) int {
	if len(pkts) == 0 {
		return 0
	}
	if cls == nil {
		p.unhandled.Add(uint64(len(pkts)))
		return 0
	}
	p.Classify(cls, inPort, pkts)
	return p.Flush()
}

// Classify queues every packet on the flow of its action, in arrival order.
func (p *Pipeline) Classify(cls Classifier, inPort uint32, pkts [][]byte) {
	for _, pkt := range pkts {
		a, err := cls.Classify(pkt, inPort)
		if err != nil {
			p.errors.Add(1)
			a = Action{Kind: ActionAborted}
		}
		p.cache.Get(a).enqueue(inPort, pkt)
	}
	p.hits.Add(uint64(len(pkts)))
}

// Flush executes every non-empty batch in the cache once and resets it.
func (p *Pipeline) Flush() int {
	var n int
	p.cache.Range(func(f *ActionFlow) bool {
		b := f.batch
		if b == nil || b.Len() == 0 {
			return true
		}
		p.exec.Execute(b.InPort, f.Action, b.Packets)
		b.Reset()
		n++
		return true
	})
	p.executions.Add(uint64(n))
	return n
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Hits:       p.hits.Load(),
		Unhandled:  p.unhandled.Load(),
		Errors:     p.errors.Load(),
		Executions: p.executions.Load(),
		Flows:      p.cache.Len(),
	}
}
