package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/p4rt/pkg/dpif"
)

// p4rtCollector implements prometheus.Collector, reading engine counters on
// each scrape.
type p4rtCollector struct {
	srv *Server

	// Engine counters, one series per backer type
	hitsTotal      *prometheus.Desc
	missedTotal    *prometheus.Desc
	errorsTotal    *prometheus.Desc
	txPacketsTotal *prometheus.Desc
	txDroppedTotal *prometheus.Desc
	droppedTotal   *prometheus.Desc
	floodedTotal   *prometheus.Desc
	batchesTotal   *prometheus.Desc

	flows         *prometheus.Desc
	macs          *prometheus.Desc
	workers       *prometheus.Desc
	programLoaded *prometheus.Desc
	backerRefs    *prometheus.Desc

	// Per-engine-port counters
	portPacketsTotal *prometheus.Desc

	switchPorts *prometheus.Desc
	eventsTotal *prometheus.Desc
}

func newCollector(srv *Server) *p4rtCollector {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("p4rt_"+name, help, []string{"type"}, nil)
	}
	return &p4rtCollector{
		srv: srv,

		hitsTotal:      counter("program_hits_total", "Packets classified by the program."),
		missedTotal:    counter("missed_total", "Packets that missed the action cache."),
		errorsTotal:    counter("program_errors_total", "Packets the program failed on."),
		txPacketsTotal: counter("tx_packets_total", "Packets transmitted."),
		txDroppedTotal: counter("tx_dropped_total", "Packets dropped on transmit."),
		droppedTotal:   counter("dropped_total", "Packets dropped by action."),
		floodedTotal:   counter("flooded_total", "Packets flooded."),
		batchesTotal:   counter("batches_total", "Packet batches processed."),

		flows:         counter("flows", "Entries in the action caches."),
		macs:          counter("macs", "Learned MAC entries."),
		workers:       counter("workers", "Packet workers."),
		programLoaded: counter("program_loaded", "Whether a program is loaded (1) or not (0)."),
		backerRefs:    counter("backer_refs", "Switches sharing the backer."),

		portPacketsTotal: prometheus.NewDesc(
			"p4rt_port_packets_total",
			"Packets per engine port.",
			[]string{"type", "port", "direction"}, nil,
		),
		switchPorts: prometheus.NewDesc(
			"p4rt_switch_ports",
			"Ports attached to a switch.",
			[]string{"switch", "type"}, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"p4rt_events_total",
			"Control-plane events recorded.",
			nil, nil,
		),
	}
}

func (c *p4rtCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hitsTotal
	ch <- c.missedTotal
	ch <- c.errorsTotal
	ch <- c.txPacketsTotal
	ch <- c.txDroppedTotal
	ch <- c.droppedTotal
	ch <- c.floodedTotal
	ch <- c.batchesTotal
	ch <- c.flows
	ch <- c.macs
	ch <- c.workers
	ch <- c.programLoaded
	ch <- c.backerRefs
	ch <- c.portPacketsTotal
	ch <- c.switchPorts
	ch <- c.eventsTotal
}

func (c *p4rtCollector) Collect(ch chan<- prometheus.Metric) {
	backers := c.srv.br.Backers()
	for _, typ := range backers.Types() {
		b, ok := backers.Lookup(typ)
		if !ok {
			continue
		}
		c.collectEngine(ch, typ, b.Engine, backers.Refs(typ))
	}

	for _, sw := range c.srv.br.Switches() {
		ch <- prometheus.MustNewConstMetric(c.switchPorts, prometheus.GaugeValue,
			float64(sw.NumPorts()), sw.Name, sw.Type)
	}

	if c.srv.eventBuf != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsTotal, prometheus.CounterValue,
			float64(c.srv.eventBuf.Seq()))
	}
}

func (c *p4rtCollector) collectEngine(ch chan<- prometheus.Metric, typ string, e dpif.Engine, refs int) {
	st := e.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), typ)
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), typ)
	}
	counter(c.hitsTotal, st.Hits)
	counter(c.missedTotal, st.Missed)
	counter(c.errorsTotal, st.Errors)
	counter(c.txPacketsTotal, st.TxPackets)
	counter(c.txDroppedTotal, st.TxDropped)
	counter(c.droppedTotal, st.Dropped)
	counter(c.floodedTotal, st.Flooded)
	counter(c.batchesTotal, st.Batches)
	gauge(c.flows, st.Flows)
	gauge(c.macs, st.MACs)
	gauge(c.workers, st.Workers)
	loaded := 0
	if st.Program {
		loaded = 1
	}
	gauge(c.programLoaded, loaded)
	gauge(c.backerRefs, refs)

	e.PortDump(func(pi dpif.PortInfo) bool {
		ch <- prometheus.MustNewConstMetric(c.portPacketsTotal, prometheus.CounterValue,
			float64(pi.RxPackets), typ, pi.Name, "rx")
		ch <- prometheus.MustNewConstMetric(c.portPacketsTotal, prometheus.CounterValue,
			float64(pi.TxPackets), typ, pi.Name, "tx")
		return true
	})
}
