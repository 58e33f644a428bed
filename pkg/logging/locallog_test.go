package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalLogWriter_Send(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")

	lw, err := NewLocalLogWriter(LocalLogConfig{Path: path, MaxSize: 1024, MaxFiles: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer lw.Close()

	for _, m := range []struct {
		sev int
		msg string
	}{
		{SyslogInfo, "hello world"},
		{SyslogWarning, "warning msg"},
		{SyslogError, "error msg"},
	} {
		if err := lw.Send(m.sev, m.msg); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{"[INFO] hello world", "[WARNING] warning msg", "[ERROR] error msg"} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in %q", want, content)
		}
	}
	if lines := strings.Split(strings.TrimSpace(content), "\n"); len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
}

func TestLocalLogWriter_MinSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	lw, err := NewLocalLogWriter(LocalLogConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer lw.Close()
	lw.MinSeverity = SyslogWarning

	lw.Send(SyslogInfo, "dropped")
	lw.Send(SyslogError, "kept")

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") {
		t.Error("info line written despite warning filter")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("error line missing")
	}
}

func TestLocalLogWriter_WriteEventSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	lw, err := NewLocalLogWriter(LocalLogConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer lw.Close()
	lw.MinSeverity = SyslogWarning

	lw.WriteEvent(EventRecord{Type: EventPortAdded, Switch: "br0", Port: "p1"})
	lw.WriteEvent(EventRecord{Type: EventPortDeleted, Switch: "br0", Port: "p2"})

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "PORT_ADDED") {
		t.Error("info event written despite warning filter")
	}
	if !strings.Contains(string(data), "PORT_DELETED") {
		t.Error("warning event missing")
	}
}

func TestLocalLogWriter_WriteEvent(t *testing.T) {
	rec := EventRecord{
		Time:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Type:     EventPortAdded,
		Switch:   "br0",
		Datapath: "ubpf",
		Port:     "p1",
		ODPPort:  1,
		OFPPort:  1,
	}

	t.Run("text", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.log")
		lw, err := NewLocalLogWriter(LocalLogConfig{Path: path})
		if err != nil {
			t.Fatal(err)
		}
		defer lw.Close()
		if err := lw.WriteEvent(rec); err != nil {
			t.Fatal(err)
		}
		data, _ := os.ReadFile(path)
		want := "2026-01-02T03:04:05.000 PORT_ADDED switch=br0 datapath=ubpf port=p1 odp=1 ofp=1\n"
		if string(data) != want {
			t.Errorf("got %q, want %q", data, want)
		}
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "events.json")
		lw, err := NewLocalLogWriter(LocalLogConfig{Path: path, Format: "json"})
		if err != nil {
			t.Fatal(err)
		}
		defer lw.Close()
		if err := lw.WriteEvent(rec); err != nil {
			t.Fatal(err)
		}
		data, _ := os.ReadFile(path)
		var got EventRecord
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if got.Type != EventPortAdded || got.Switch != "br0" || got.OFPPort != 1 {
			t.Errorf("decoded %+v", got)
		}
	})
}

func TestLocalLogWriter_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")

	lw, err := NewLocalLogWriter(LocalLogConfig{Path: path, MaxSize: 50, MaxFiles: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer lw.Close()

	for i := 0; i < 10; i++ {
		lw.Send(SyslogInfo, "rotation test message")
	}

	if _, err := os.Stat(path + ".1"); os.IsNotExist(err) {
		t.Error("expected rotated file .1 to exist")
	}
	if _, err := os.Stat(path + ".5"); !os.IsNotExist(err) {
		t.Error("rotated beyond MaxFiles")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 200 {
		t.Errorf("current file should be small after rotation, got %d bytes", info.Size())
	}
}

func TestLocalLogWriter_CloseIdempotent(t *testing.T) {
	lw, err := NewLocalLogWriter(LocalLogConfig{Path: filepath.Join(t.TempDir(), "test.log")})
	if err != nil {
		t.Fatal(err)
	}
	lw.Close()
	if err := lw.Close(); err != nil {
		t.Errorf("second close should return nil, got %v", err)
	}
}

func TestLocalLogWriter_SendAfterClose(t *testing.T) {
	lw, err := NewLocalLogWriter(LocalLogConfig{Path: filepath.Join(t.TempDir(), "test.log")})
	if err != nil {
		t.Fatal(err)
	}
	lw.Close()

	if err := lw.Send(SyslogInfo, "should fail"); err == nil {
		t.Error("expected error writing to closed file")
	}
}
