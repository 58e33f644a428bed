package dpif

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/psaab/p4rt/pkg/pipeline"
)

// worker polls a fixed subset of the datapath ports. The subset is replaced
// copy-on-write under portMu; the worker only loads it.
type worker struct {
	id    int
	dp    *Datapath
	pipe  *pipeline.Pipeline
	ports atomic.Pointer[[]*port]
}

func newWorker(dp *Datapath, id int) *worker {
	w := &worker{
		id:   id,
		dp:   dp,
		pipe: pipeline.New(pipeline.ExecutorFunc(dp.executeAction)),
	}
	w.setPorts(nil)
	return w
}

func (w *worker) portList() []*port { return *w.ports.Load() }

func (w *worker) setPorts(ports []*port) { w.ports.Store(&ports) }

func (w *worker) run(ctx context.Context) {
	reader := w.dp.b.rcu.Register()
	defer reader.Unregister()

	batch := w.dp.b.opts.BatchSize
	idle := time.NewTimer(0)
	defer idle.Stop()
	<-idle.C

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var busy bool
		for _, p := range w.portList() {
			pkts, err := p.dev.Recv(batch)
			if err != nil {
				w.dp.b.log.Debug("recv failed", "datapath", w.dp.name, "port", p.name, "err", err)
			}
			if len(pkts) == 0 {
				continue
			}
			busy = true
			p.rxPackets.Add(uint64(len(pkts)))
			w.pipe.Round(w.dp.classifier(), p.no, pkts)
		}
		reader.Quiesce()

		if !busy {
			reader.Offline()
			idle.Reset(w.dp.b.opts.PollInterval)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			reader.Online()
		}
	}
}
