package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventAggregator counts control-plane events per switch and periodically
// reports the busiest switches.
type EventAggregator struct {
	mu       sync.Mutex
	switches map[string]*aggEntry

	flushInterval time.Duration
	topN          int
	logFn         func(severity int, msg string)
}

type aggEntry struct {
	Events   uint64
	PortOps  uint64
	Programs uint64
}

// AggregateEntry is a single top-N entry returned by Flush.
type AggregateEntry struct {
	Switch   string
	Events   uint64
	PortOps  uint64
	Programs uint64
}

// NewEventAggregator creates a new aggregator. flushInterval defaults to 5
// minutes and topN to 10.
func NewEventAggregator(flushInterval time.Duration, topN int) *EventAggregator {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Minute
	}
	if topN <= 0 {
		topN = 10
	}
	return &EventAggregator{
		switches:      make(map[string]*aggEntry),
		flushInterval: flushInterval,
		topN:          topN,
	}
}

// SetLogFunc sets the function used to emit aggregate log lines.
func (ea *EventAggregator) SetLogFunc(fn func(severity int, msg string)) {
	ea.mu.Lock()
	ea.logFn = fn
	ea.mu.Unlock()
}

// Add records an event. Events not tied to a switch are ignored.
func (ea *EventAggregator) Add(rec EventRecord) {
	if rec.Switch == "" {
		return
	}

	ea.mu.Lock()
	defer ea.mu.Unlock()

	e, ok := ea.switches[rec.Switch]
	if !ok {
		e = &aggEntry{}
		ea.switches[rec.Switch] = e
	}
	e.Events++
	switch rec.Type {
	case EventPortAdded, EventPortDeleted:
		e.PortOps++
	case EventProgramInserted, EventProgramRemoved:
		e.Programs++
	}
}

// Flush returns the top-N switches by event count, then resets counters.
func (ea *EventAggregator) Flush() []AggregateEntry {
	ea.mu.Lock()
	m := ea.switches
	ea.switches = make(map[string]*aggEntry)
	ea.mu.Unlock()

	return topEntries(m, ea.topN)
}

// Run consumes events from sub and flushes periodically. Blocks until ctx
// is cancelled.
func (ea *EventAggregator) Run(ctx context.Context, sub *Subscription) {
	ticker := time.NewTicker(ea.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			ea.Add(rec)
		case <-ticker.C:
			ea.flushAndLog()
		}
	}
}

func (ea *EventAggregator) flushAndLog() {
	top := ea.Flush()
	if len(top) == 0 {
		return
	}

	ea.mu.Lock()
	logFn := ea.logFn
	ea.mu.Unlock()

	for _, e := range top {
		msg := fmt.Sprintf("SWITCH_EVENT_AGGREGATE switch=%q events=%d port_ops=%d programs=%d",
			e.Switch, e.Events, e.PortOps, e.Programs)
		if logFn != nil {
			logFn(SyslogInfo, msg)
		}
		slog.Info(msg)
	}
}

func topEntries(m map[string]*aggEntry, n int) []AggregateEntry {
	if len(m) == 0 {
		return nil
	}
	entries := make([]AggregateEntry, 0, len(m))
	for name, e := range m {
		entries = append(entries, AggregateEntry{
			Switch:   name,
			Events:   e.Events,
			PortOps:  e.PortOps,
			Programs: e.Programs,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Events != entries[j].Events {
			return entries[i].Events > entries[j].Events
		}
		return entries[i].Switch < entries[j].Switch
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
