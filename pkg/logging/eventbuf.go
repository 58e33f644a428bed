package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventTypeRegistered  = "TYPE_REGISTERED"
	EventSwitchCreated   = "SWITCH_CREATED"
	EventSwitchDestroyed = "SWITCH_DESTROYED"
	EventPortAdded       = "PORT_ADDED"
	EventPortDeleted     = "PORT_DELETED"
	EventProgramInserted = "PROGRAM_INSERTED"
	EventProgramRemoved  = "PROGRAM_REMOVED"
)

// EventSeverity maps an event type to a syslog severity. Removals log as
// warnings.
func EventSeverity(eventType string) int {
	switch eventType {
	case EventSwitchDestroyed, EventPortDeleted, EventProgramRemoved:
		return SyslogWarning
	default:
		return SyslogInfo
	}
}

// EventRecord is a control-plane event stored in the event buffer.
type EventRecord struct {
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	Switch   string    `json:"switch,omitempty"`
	Datapath string    `json:"datapath,omitempty"` // datapath type, "ubpf"
	Port     string    `json:"port,omitempty"`
	ODPPort  uint32    `json:"odp_port,omitempty"`
	OFPPort  uint32    `json:"ofp_port,omitempty"`
	Program  uint32    `json:"program,omitempty"`
	Size     int       `json:"size,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// String formats rec as a single key=value line.
func (rec EventRecord) String() string {
	var b strings.Builder
	b.WriteString(rec.Type)
	if rec.Switch != "" {
		fmt.Fprintf(&b, " switch=%s", rec.Switch)
	}
	if rec.Datapath != "" {
		fmt.Fprintf(&b, " datapath=%s", rec.Datapath)
	}
	if rec.Port != "" {
		fmt.Fprintf(&b, " port=%s odp=%d ofp=%d", rec.Port, rec.ODPPort, rec.OFPPort)
	}
	if rec.Program != 0 {
		fmt.Fprintf(&b, " program=%d size=%d", rec.Program, rec.Size)
	}
	if rec.Message != "" {
		fmt.Fprintf(&b, " msg=%q", rec.Message)
	}
	return b.String()
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. The channel is left open.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified without blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.seq++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // slow subscriber
		}
	}
	eb.subMu.RUnlock()
}

// Seq returns the number of events ever added.
func (eb *EventBuffer) Seq() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Switch string // exact switch name
	Type   string // case-insensitive prefix of Type, "PORT" matches both port events
	Port   string // exact device name
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Switch == "" && f.Type == "" && f.Port == ""
}

// Match reports whether rec passes the filter.
func (f EventFilter) Match(rec EventRecord) bool { return f.matches(&rec) }

func (f EventFilter) matches(rec *EventRecord) bool {
	if f.Switch != "" && rec.Switch != f.Switch {
		return false
	}
	if f.Type != "" && !strings.HasPrefix(rec.Type, strings.ToUpper(f.Type)) {
		return false
	}
	if f.Port != "" && rec.Port != f.Port {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		result[i] = eb.buf[idx]
	}
	return result
}
