package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalLogWriter writes events to a local file with rotation.
type LocalLogWriter struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	maxFiles int
	written  int64

	MinSeverity int
	// Format is "json" for one JSON object per line, otherwise text.
	Format string
}

// LocalLogConfig configures a LocalLogWriter.
type LocalLogConfig struct {
	Path     string // default /var/log/p4rt/events.log
	MaxSize  int64  // bytes, default 10MB
	MaxFiles int    // rotated files kept, default 5
	Format   string
}

// NewLocalLogWriter creates a local file log writer.
func NewLocalLogWriter(cfg LocalLogConfig) (*LocalLogWriter, error) {
	path := cfg.Path
	if path == "" {
		path = "/var/log/p4rt/events.log"
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	lw := &LocalLogWriter{
		file:     f,
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
		Format:   cfg.Format,
	}
	if info, err := f.Stat(); err == nil {
		lw.written = info.Size()
	}
	return lw, nil
}

// Send writes a log message to the local file.
func (lw *LocalLogWriter) Send(severity int, msg string) error {
	if lw.MinSeverity != 0 && severity > lw.MinSeverity {
		return nil
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000")
	return lw.write(fmt.Sprintf("%s [%s] %s\n", ts, severityTag(severity), msg))
}

// WriteEvent appends rec in the configured format. Events below
// MinSeverity are skipped.
func (lw *LocalLogWriter) WriteEvent(rec EventRecord) error {
	if lw.MinSeverity != 0 && EventSeverity(rec.Type) > lw.MinSeverity {
		return nil
	}
	if lw.Format == "json" {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return lw.write(string(b) + "\n")
	}
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return lw.write(fmt.Sprintf("%s %s\n", ts.Format("2006-01-02T15:04:05.000"), rec))
}

func (lw *LocalLogWriter) write(line string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.file == nil {
		return fmt.Errorf("log file closed")
	}

	n, err := lw.file.WriteString(line)
	if err != nil {
		return err
	}
	lw.written += int64(n)

	if lw.written >= lw.maxSize {
		lw.rotate()
	}
	return nil
}

// Close closes the log file.
func (lw *LocalLogWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.file != nil {
		err := lw.file.Close()
		lw.file = nil
		return err
	}
	return nil
}

func (lw *LocalLogWriter) rotate() {
	lw.file.Close()
	lw.file = nil

	for i := lw.maxFiles - 1; i > 0; i-- {
		old := fmt.Sprintf("%s.%d", lw.path, i)
		next := fmt.Sprintf("%s.%d", lw.path, i+1)
		os.Rename(old, next)
	}
	os.Rename(lw.path, lw.path+".1")
	os.Remove(fmt.Sprintf("%s.%d", lw.path, lw.maxFiles+1))

	f, err := os.OpenFile(lw.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Warn("failed to open rotated event log", "err", err)
		return
	}
	lw.file = f
	lw.written = 0
}

func severityTag(severity int) string {
	switch severity {
	case SyslogError:
		return "ERROR"
	case SyslogWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}
