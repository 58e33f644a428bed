package cli

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/psaab/p4rt/pkg/api"
	"github.com/psaab/p4rt/pkg/dpif"
	"github.com/psaab/p4rt/pkg/logging"
	"github.com/psaab/p4rt/pkg/netdev"
	"github.com/psaab/p4rt/pkg/p4rt"
	"github.com/psaab/p4rt/pkg/pipeline"
	"github.com/psaab/p4rt/pkg/ubpf"
)

type testEnv struct {
	cli     *CLI
	out     *bytes.Buffer
	backend *dpif.Backend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := dpif.NewBackend(netdev.NewRegistry(), dpif.Options{Logger: logger})
	t.Cleanup(b.Shutdown)
	events := logging.NewEventBuffer(64)
	br := p4rt.New(dpif.NewRegistry(b.DefaultClasses()...), b.Netdevs(), p4rt.Options{
		Events: events,
		Logger: logger,
	})
	if err := br.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { br.Teardown(true) })

	srv := api.NewServer(api.Config{Bridge: br, Backend: b, EventBuf: events, Logger: logger})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	out := &bytes.Buffer{}
	return &testEnv{cli: New(NewClient(ts.URL, ""), out), out: out, backend: b}
}

// run executes line and returns what it printed.
func (e *testEnv) run(t *testing.T, line string) string {
	t.Helper()
	e.out.Reset()
	if err := e.cli.Execute(line); err != nil {
		t.Fatalf("%q: %v", line, err)
	}
	return e.out.String()
}

func TestSwitchCommands(t *testing.T) {
	env := newTestEnv(t)

	if got := env.run(t, "create switch br0"); !strings.Contains(got, "switch br0 created (type ubpf, device id 1)") {
		t.Errorf("create output = %q", got)
	}
	if got := env.run(t, "add port br0 p1 type memory"); !strings.Contains(got, "port p1 added to br0 as 1") {
		t.Errorf("add port output = %q", got)
	}
	if got := env.run(t, "add port br0 p2 type memory number 5"); !strings.Contains(got, "as 5") {
		t.Errorf("add numbered port output = %q", got)
	}

	got := env.run(t, "show switches")
	if !strings.Contains(got, "br0") || !strings.Contains(got, "p4rt-ubpf") {
		t.Errorf("show switches = %q", got)
	}
	got = env.run(t, "show switch br0 ports")
	if !strings.Contains(got, "p1") || !strings.Contains(got, "p2") {
		t.Errorf("show ports = %q", got)
	}
	if got := env.run(t, "show types"); !strings.Contains(got, "ubpf") {
		t.Errorf("show types = %q", got)
	}
	if got := env.run(t, "show status"); !strings.Contains(got, "Switches: 1") {
		t.Errorf("show status = %q", got)
	}

	env.run(t, "delete port br0 5")
	if got := env.run(t, "show switch br0"); !strings.Contains(got, "Ports: 1") {
		t.Errorf("show switch after delete = %q", got)
	}

	env.run(t, "destroy switch br0 delete-engine")
	err := env.cli.Execute("show switch br0")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("show destroyed switch: err = %v, want 404", err)
	}
	if engines := env.backend.Engines(); len(engines) != 0 {
		t.Errorf("engines after delete-engine = %v", engines)
	}
}

func TestProgramCommands(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, "create switch br0")
	env.run(t, "add port br0 p1 type memory")
	env.run(t, "add port br0 p2 type memory")

	code, err := ubpf.Assemble(ubpf.ActionProgram(uint32(pipeline.ActionRedirect), 2))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "redirect.o")
	if err := os.WriteFile(path, code, 0o644); err != nil {
		t.Fatal(err)
	}

	if got := env.run(t, "load program br0 "+path+" cookie 0x10"); !strings.Contains(got, "loaded on br0") {
		t.Errorf("load output = %q", got)
	}
	if got := env.run(t, "show switch br0 program"); !strings.Contains(got, "cookie 0x10") {
		t.Errorf("show program = %q", got)
	}

	env.run(t, "inject br0 1 010203 04:05:06")
	p2, ok := env.backend.Netdevs().Lookup("p2")
	if !ok {
		t.Fatal("p2 not open")
	}
	if sent := len(p2.(*netdev.Memory).Sent()); sent != 2 {
		t.Errorf("p2 sent %d frames, want 2", sent)
	}
	if got := env.run(t, "show switch br0 stats"); !strings.Contains(got, "Program hits:    2") {
		t.Errorf("show stats = %q", got)
	}

	env.run(t, "unload program br0")
	if err := env.cli.Execute("show switch br0 program"); err == nil {
		t.Error("show program after unload: want error")
	}
}

func TestLoadProgramFromStdin(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, "create switch br0")

	code, err := ubpf.Assemble(ubpf.ActionProgram(uint32(pipeline.ActionDrop), 0))
	if err != nil {
		t.Fatal(err)
	}
	env.cli.stdin = bytes.NewReader(code)
	if got := env.run(t, "load program br0 -"); !strings.Contains(got, "loaded on br0") {
		t.Errorf("load output = %q", got)
	}
}

func TestShowEvents(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, "create switch br0")
	env.run(t, "create switch br1")
	env.run(t, "add port br0 p1 type memory")

	got := env.run(t, "show events switch br0")
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 2 {
		t.Fatalf("events = %q, want 2 lines", got)
	}
	if !strings.Contains(lines[0], "SWITCH_CREATED") || !strings.Contains(lines[1], "PORT_ADDED") {
		t.Errorf("events not oldest first: %q", got)
	}

	got = env.run(t, "show events type SWITCH_CREATED count 1")
	if !strings.Contains(got, "switch=br1") || strings.Contains(got, "switch=br0") {
		t.Errorf("latest switch event = %q", got)
	}
}

func TestExecuteErrors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		line string
		want string
	}{
		{"bogus", "unknown command"},
		{"show nothing", "unknown show target"},
		{"create switch", "usage: create switch"},
		{"add port br0", "usage: add port"},
		{"add port br0 p1 number x", "invalid port number"},
		{"delete port br0 abc", "invalid port number"},
		{"inject br0 1 zz", "invalid packet"},
		{"show events count 0", "invalid count"},
		{"show events switch", "missing value"},
		{"load program br0", "usage: load program"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			err := env.cli.Execute(tt.line)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}

	if err := env.cli.Execute("exit"); err != errExit {
		t.Errorf("exit: err = %v", err)
	}
	if err := env.cli.Execute("   "); err != nil {
		t.Errorf("blank line: err = %v", err)
	}
}

func TestContextHelp(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, "create switch br0")

	got := env.run(t, "show ?")
	for _, want := range []string{"switches", "status", "events"} {
		if !strings.Contains(got, want) {
			t.Errorf("show ? missing %q: %q", want, got)
		}
	}
	if got := env.run(t, "show switch ?"); !strings.Contains(got, "br0") {
		t.Errorf("show switch ? = %q", got)
	}
}

func TestCompleter(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, "create switch br0")
	env.run(t, "create switch core")
	cp := &completer{cli: env.cli}

	tests := []struct {
		line string
		want []string
	}{
		{"sh", []string{"ow "}},
		{"show swi", []string{"tch"}},
		{"show switch c", []string{"ore "}},
		{"destroy switch b", []string{"r0 "}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, _ := cp.Do([]rune(tt.line), len(tt.line))
			var names []string
			for _, r := range got {
				names = append(names, string(r))
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Do(%q) = %q, want %q", tt.line, names, tt.want)
			}
		})
	}
}
