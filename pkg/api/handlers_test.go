package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/psaab/p4rt/pkg/dpif"
	"github.com/psaab/p4rt/pkg/logging"
	"github.com/psaab/p4rt/pkg/netdev"
	"github.com/psaab/p4rt/pkg/p4rt"
	"github.com/psaab/p4rt/pkg/pipeline"
	"github.com/psaab/p4rt/pkg/ubpf"
)

func newTestServer(t *testing.T) (*Server, *dpif.Backend) {
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

	return NewServer(Config{Bridge: br, Backend: b, EventBuf: events, Logger: logger}), b
}

// do runs one request through the server's handler and decodes the
// envelope, storing Data into out when non-nil.
func do(t *testing.T, s *Server, method, path string, body io.Reader, out any) (int, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	if out != nil && len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, out); err != nil {
			t.Fatalf("%s %s: decode data: %v", method, path, err)
		}
	}
	return w.Code, Response{Success: raw.Success, Error: raw.Error}
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(data)
}

func TestSwitchLifecycle(t *testing.T) {
	s, b := newTestServer(t)

	var created SwitchInfo
	code, resp := do(t, s, "POST", "/api/v1/switches", jsonBody(t, CreateSwitchRequest{
		Name:  "br0",
		Ports: []AddPortRequest{{Name: "p1", Type: netdev.TypeMemory}, {Name: "p2", Type: netdev.TypeMemory}},
	}), &created)
	if code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", code, resp.Error)
	}
	if created.Type != "ubpf" || created.Engine != "p4rt-ubpf" || created.DeviceID != 1 {
		t.Errorf("created = %+v", created)
	}
	if len(created.Ports) != 2 || created.Ports[1].Name != "p2" || created.Ports[1].OFPPort != 2 {
		t.Errorf("ports = %+v", created.Ports)
	}

	code, _ = do(t, s, "POST", "/api/v1/switches", jsonBody(t, CreateSwitchRequest{Name: "br0"}), nil)
	if code != http.StatusConflict {
		t.Errorf("duplicate create: status %d, want 409", code)
	}
	code, _ = do(t, s, "POST", "/api/v1/switches", jsonBody(t, CreateSwitchRequest{Name: "x", Type: "bogus"}), nil)
	if code != http.StatusNotImplemented {
		t.Errorf("unknown type: status %d, want 501", code)
	}

	var all []SwitchInfo
	do(t, s, "GET", "/api/v1/switches", nil, &all)
	if len(all) != 1 || all[0].Name != "br0" {
		t.Errorf("switches = %+v", all)
	}

	var status StatusResponse
	do(t, s, "GET", "/api/v1/status", nil, &status)
	if status.Switches != 1 || len(status.Backers) != 1 || status.Backers[0] != "ubpf" {
		t.Errorf("status = %+v", status)
	}
	if len(status.Engines) != 1 || status.Engines[0] != "p4rt-ubpf" {
		t.Errorf("engines = %v", status.Engines)
	}

	code, _ = do(t, s, "DELETE", "/api/v1/switches/br0?delete_engine=true", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("destroy: status %d", code)
	}
	code, _ = do(t, s, "GET", "/api/v1/switches/br0", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("get destroyed: status %d, want 404", code)
	}
	if engines := b.Engines(); len(engines) != 0 {
		t.Errorf("engines after delete = %v", engines)
	}
}

func TestPortHandlers(t *testing.T) {
	s, _ := newTestServer(t)
	if code, resp := do(t, s, "POST", "/api/v1/switches", jsonBody(t, CreateSwitchRequest{Name: "br0"}), nil); code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, resp.Error)
	}

	var added AddPortResponse
	code, resp := do(t, s, "POST", "/api/v1/switches/br0/ports",
		jsonBody(t, AddPortRequest{Name: "p1", Type: netdev.TypeMemory, Port: 7}), &added)
	if code != http.StatusCreated || added.Port != 7 {
		t.Fatalf("add port: %d %s %+v", code, resp.Error, added)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate device", "POST", "/api/v1/switches/br0/ports", AddPortRequest{Name: "p1", Type: netdev.TypeMemory}, http.StatusConflict},
		{"port taken", "POST", "/api/v1/switches/br0/ports", AddPortRequest{Name: "p2", Type: netdev.TypeMemory, Port: 7}, http.StatusConflict},
		{"missing name", "POST", "/api/v1/switches/br0/ports", AddPortRequest{Type: netdev.TypeMemory}, http.StatusBadRequest},
		{"unknown switch", "POST", "/api/v1/switches/nope/ports", AddPortRequest{Name: "p3", Type: netdev.TypeMemory}, http.StatusNotFound},
		{"query", "GET", "/api/v1/switches/br0/ports/p1", nil, http.StatusOK},
		{"query missing", "GET", "/api/v1/switches/br0/ports/p9", nil, http.StatusNotFound},
		{"remove local", "DELETE", "/api/v1/switches/br0/ports/65534", nil, http.StatusBadRequest},
		{"remove bad number", "DELETE", "/api/v1/switches/br0/ports/abc", nil, http.StatusBadRequest},
		{"remove bad preserve", "DELETE", "/api/v1/switches/br0/ports/7?preserve=maybe", nil, http.StatusBadRequest},
		{"remove", "DELETE", "/api/v1/switches/br0/ports/7", nil, http.StatusOK},
		{"remove again", "DELETE", "/api/v1/switches/br0/ports/7", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != nil {
				body = jsonBody(t, tt.body)
			}
			if code, resp := do(t, s, tt.method, tt.path, body, nil); code != tt.want {
				t.Errorf("status %d, want %d (%s)", code, tt.want, resp.Error)
			}
		})
	}

	var ports []p4rt.PortInfo
	do(t, s, "GET", "/api/v1/switches/br0/ports", nil, &ports)
	if len(ports) != 0 {
		t.Errorf("ports = %+v, want none", ports)
	}
}

func TestProgramAndInject(t *testing.T) {
	s, b := newTestServer(t)
	do(t, s, "POST", "/api/v1/switches", jsonBody(t, CreateSwitchRequest{
		Name:  "br0",
		Ports: []AddPortRequest{{Name: "p1", Type: netdev.TypeMemory}, {Name: "p2", Type: netdev.TypeMemory}},
	}), nil)

	code, _ := do(t, s, "GET", "/api/v1/switches/br0/program", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("program before load: status %d, want 404", code)
	}

	prog, err := ubpf.Assemble(ubpf.ActionProgram(uint32(pipeline.ActionRedirect), 2))
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("PUT", "/api/v1/switches/br0/program", bytes.NewReader(prog))
	req.Header.Set(CookieHeader, "0x2a")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("load: status %d: %s", w.Code, w.Body.String())
	}

	var loaded p4rt.Program
	do(t, s, "GET", "/api/v1/switches/br0/program", nil, &loaded)
	if loaded.Cookie != 0x2a || loaded.Size != len(prog) {
		t.Errorf("program = %+v", loaded)
	}

	code, _ = do(t, s, "PUT", "/api/v1/switches/br0/program", strings.NewReader("garbage"), nil)
	if code != http.StatusBadRequest {
		t.Errorf("invalid program: status %d, want 400", code)
	}
	code, _ = do(t, s, "PUT", "/api/v1/switches/br0/program", strings.NewReader(""), nil)
	if code != http.StatusBadRequest {
		t.Errorf("empty program: status %d, want 400", code)
	}

	code, resp := do(t, s, "POST", "/api/v1/switches/br0/inject",
		jsonBody(t, InjectRequest{Port: 1, Packets: [][]byte{{1, 2, 3}, {4, 5, 6}}}), nil)
	if code != http.StatusOK {
		t.Fatalf("inject: status %d: %s", code, resp.Error)
	}
	p2, ok := b.Netdevs().Lookup("p2")
	if !ok {
		t.Fatal("p2 not open")
	}
	if got := len(p2.(*netdev.Memory).Sent()); got != 2 {
		t.Errorf("p2 sent %d frames, want 2", got)
	}

	var stats SwitchStats
	do(t, s, "GET", "/api/v1/switches/br0/stats", nil, &stats)
	if stats.Stats.Hits != 2 || !stats.Stats.Program || stats.Ports != 2 {
		t.Errorf("stats = %+v", stats)
	}

	code, _ = do(t, s, "POST", "/api/v1/switches/br0/inject", jsonBody(t, InjectRequest{Port: 9}), nil)
	if code != http.StatusNotFound {
		t.Errorf("inject on missing port: status %d, want 404", code)
	}

	if code, _ := do(t, s, "DELETE", "/api/v1/switches/br0/program", nil, nil); code != http.StatusOK {
		t.Errorf("unload: status %d", code)
	}
	code, _ = do(t, s, "GET", "/api/v1/switches/br0/program", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("program after unload: status %d, want 404", code)
	}
}

func TestEventsHandler(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, "POST", "/api/v1/switches", jsonBody(t, CreateSwitchRequest{
		Name:  "br0",
		Ports: []AddPortRequest{{Name: "p1", Type: netdev.TypeMemory}},
	}), nil)
	do(t, s, "POST", "/api/v1/switches", jsonBody(t, CreateSwitchRequest{Name: "br1", Type: "netdev"}), nil)

	var events []EventEntry
	do(t, s, "GET", "/api/v1/events?switch=br0&type=port", nil, &events)
	if len(events) != 1 || events[0].Port != "p1" || events[0].Type != logging.EventPortAdded {
		t.Errorf("events = %+v", events)
	}

	do(t, s, "GET", "/api/v1/events?n=1", nil, &events)
	if len(events) != 1 || events[0].Switch != "br1" {
		t.Errorf("latest = %+v", events)
	}

	if code, _ := do(t, s, "GET", "/api/v1/events?n=-1", nil, nil); code != http.StatusBadRequest {
		t.Errorf("n=-1: status %d, want 400", code)
	}
}

func TestErrnoStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{unix.ENODEV, http.StatusNotFound},
		{unix.ENOENT, http.StatusNotFound},
		{unix.EEXIST, http.StatusConflict},
		{unix.EBUSY, http.StatusConflict},
		{unix.EINVAL, http.StatusBadRequest},
		{unix.EOPNOTSUPP, http.StatusNotImplemented},
		{unix.ENOSPC, http.StatusInsufficientStorage},
		{unix.EFBIG, http.StatusInsufficientStorage},
		{unix.EIO, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errnoStatus(tt.err); got != tt.want {
			t.Errorf("errnoStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
