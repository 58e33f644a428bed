package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// sinks is shared by a SyslogSlogHandler and every handler derived from it,
// so loggers created before SetClients still forward.
type sinks struct {
	mu      sync.RWMutex
	clients []*SyslogClient
	files   []*LocalLogWriter
}

// SyslogSlogHandler is an slog.Handler that forwards log records to remote
// syslog servers and local log files in addition to a wrapped base handler.
type SyslogSlogHandler struct {
	base   slog.Handler
	sinks  *sinks
	attrs  []slog.Attr
	groups []string
}

// NewSyslogSlogHandler wraps a base slog.Handler with syslog forwarding.
func NewSyslogSlogHandler(base slog.Handler) *SyslogSlogHandler {
	return &SyslogSlogHandler{base: base, sinks: &sinks{}}
}

// SetClients replaces the set of syslog clients. Old clients are closed.
func (h *SyslogSlogHandler) SetClients(clients []*SyslogClient) {
	h.sinks.mu.Lock()
	old := h.sinks.clients
	h.sinks.clients = clients
	h.sinks.mu.Unlock()

	for _, c := range old {
		c.Close()
	}
}

// SetFiles replaces the set of local log files. Old files are closed.
func (h *SyslogSlogHandler) SetFiles(files []*LocalLogWriter) {
	h.sinks.mu.Lock()
	old := h.sinks.files
	h.sinks.files = files
	h.sinks.mu.Unlock()

	for _, f := range old {
		f.Close()
	}
}

// Close closes all syslog clients and local files.
func (h *SyslogSlogHandler) Close() {
	h.SetClients(nil)
	h.SetFiles(nil)
}

// Enabled implements slog.Handler.
func (h *SyslogSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SyslogSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.sinks.mu.RLock()
	clients, files := h.sinks.clients, h.sinks.files
	h.sinks.mu.RUnlock()

	if len(clients) == 0 && len(files) == 0 {
		return err
	}
	severity := slogLevelToSyslog(r.Level)
	msg := formatRecord(r, h.attrs, h.groups)
	for _, c := range clients {
		if c.ShouldSend(severity) {
			c.Send(severity, msg)
		}
	}
	for _, f := range files {
		f.Send(severity, msg)
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *SyslogSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogSlogHandler{
		base:   h.base.WithAttrs(attrs),
		sinks:  h.sinks,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *SyslogSlogHandler) WithGroup(name string) slog.Handler {
	return &SyslogSlogHandler{
		base:   h.base.WithGroup(name),
		sinks:  h.sinks,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	default:
		return SyslogDebug
	}
}

// formatRecord produces a compact text representation of a log record.
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)

	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if len(groups) > 0 {
			key = strings.Join(groups, ".") + "." + key
		}
		fmt.Fprintf(&b, " %s=%s", key, a.Value.String())
		return true
	})

	return b.String()
}
