package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psaab/p4rt/pkg/logging"
	"github.com/psaab/p4rt/pkg/p4rt"
)

// maxProgramSize bounds PUT .../program bodies.
const maxProgramSize = 16 << 20

// CookieHeader carries the program cookie on PUT .../program.
const CookieHeader = "X-P4rt-Cookie"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// writeErrno writes err with the HTTP status matching its errno.
func writeErrno(w http.ResponseWriter, err error) {
	writeError(w, errnoStatus(err), err.Error())
}

func errnoStatus(err error) int {
	switch {
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENOENT):
		return http.StatusNotFound
	case errors.Is(err, unix.EEXIST), errors.Is(err, unix.EBUSY):
		return http.StatusConflict
	case errors.Is(err, unix.EINVAL):
		return http.StatusBadRequest
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.EAFNOSUPPORT):
		return http.StatusNotImplemented
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EFBIG):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime:   time.Since(s.startTime).Truncate(time.Second).String(),
		Types:    s.br.EnumerateTypes(),
		Switches: len(s.br.Switches()),
		Backers:  s.br.Backers().Types(),
	}
	if s.backend != nil {
		resp.Engines = s.backend.Engines()
	}
	writeOK(w, resp)
}

func (s *Server) typesHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.br.EnumerateTypes())
}

func switchInfo(sw *p4rt.Switch) SwitchInfo {
	info := SwitchInfo{
		Name:     sw.Name,
		Type:     sw.Type,
		UUID:     sw.UUID.String(),
		DeviceID: sw.DeviceID,
		Created:  sw.Created,
		Ports:    []p4rt.PortInfo{},
		Program:  sw.Program(),
	}
	info.Engine = sw.EngineName()
	sw.PortDump(func(pi p4rt.PortInfo) bool {
		info.Ports = append(info.Ports, pi)
		return true
	})
	return info
}

func (s *Server) switchesHandler(w http.ResponseWriter, _ *http.Request) {
	switches := s.br.Switches()
	infos := make([]SwitchInfo, 0, len(switches))
	for _, sw := range switches {
		infos = append(infos, switchInfo(sw))
	}
	writeOK(w, infos)
}

func (s *Server) switchHandler(w http.ResponseWriter, r *http.Request) {
	sw, err := s.br.Switch(r.PathValue("name"))
	if err != nil {
		writeErrno(w, err)
		return
	}
	defer sw.Unref()
	writeOK(w, switchInfo(sw))
}

func (s *Server) createSwitchHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Type == "" {
		req.Type = "ubpf"
	}

	sw, err := s.br.CreateSwitch(req.Name, req.Type)
	if err != nil {
		writeErrno(w, err)
		return
	}
	if len(req.Ports) > 0 {
		specs := make([]p4rt.PortSpec, 0, len(req.Ports))
		for _, p := range req.Ports {
			specs = append(specs, portSpec(p))
		}
		// partial attach still leaves a usable switch
		if _, err := sw.AttachPorts(specs); err != nil {
			s.log.Warn("failed to attach ports", "switch", req.Name, "err", err)
		}
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: switchInfo(sw)})
}

func portSpec(req AddPortRequest) p4rt.PortSpec {
	spec := p4rt.PortSpec{Name: req.Name, Type: req.Type, OFP: req.Port}
	if spec.OFP == 0 {
		spec.OFP = p4rt.OFPPNone
	}
	return spec
}

func (s *Server) destroySwitchHandler(w http.ResponseWriter, r *http.Request) {
	deleteEngine, err := queryBool(r, "delete_engine")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.br.DestroySwitch(r.PathValue("name"), deleteEngine); err != nil {
		writeErrno(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) portsHandler(w http.ResponseWriter, r *http.Request) {
	ports := []p4rt.PortInfo{}
	err := s.br.PortDump(r.PathValue("name"), func(pi p4rt.PortInfo) bool {
		ports = append(ports, pi)
		return true
	})
	if err != nil {
		writeErrno(w, err)
		return
	}
	writeOK(w, ports)
}

func (s *Server) addPortHandler(w http.ResponseWriter, r *http.Request) {
	var req AddPortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	spec := portSpec(req)
	ofp, err := s.br.AddPort(r.PathValue("name"), spec.Name, spec.Type, spec.OFP)
	if err != nil {
		writeErrno(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: AddPortResponse{Name: req.Name, Port: ofp}})
}

func (s *Server) queryPortHandler(w http.ResponseWriter, r *http.Request) {
	pi, err := s.br.QueryPortByName(r.PathValue("name"), r.PathValue("dev"))
	if err != nil {
		writeErrno(w, err)
		return
	}
	writeOK(w, pi)
}

func (s *Server) removePortHandler(w http.ResponseWriter, r *http.Request) {
	ofp, err := strconv.ParseUint(r.PathValue("port"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid port number")
		return
	}
	preserve, err := queryBool(r, "preserve")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.br.RemovePort(r.PathValue("name"), uint32(ofp), preserve); err != nil {
		writeErrno(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) programHandler(w http.ResponseWriter, r *http.Request) {
	sw, err := s.br.Switch(r.PathValue("name"))
	if err != nil {
		writeErrno(w, err)
		return
	}
	defer sw.Unref()
	prog := sw.Program()
	if prog == nil {
		writeError(w, http.StatusNotFound, "no program loaded")
		return
	}
	writeOK(w, prog)
}

func (s *Server) loadProgramHandler(w http.ResponseWriter, r *http.Request) {
	var cookie uint64
	if c := r.Header.Get(CookieHeader); c != "" {
		v, err := strconv.ParseUint(c, 0, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cookie")
			return
		}
		cookie = v
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxProgramSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(data) > maxProgramSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("program exceeds %d bytes", maxProgramSize))
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty program")
		return
	}
	prog, err := s.br.LoadProgramBytes(r.PathValue("name"), data, cookie)
	if err != nil {
		writeErrno(w, err)
		return
	}
	writeOK(w, prog)
}

func (s *Server) unloadProgramHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.br.UnloadProgram(r.PathValue("name")); err != nil {
		writeErrno(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) injectHandler(w http.ResponseWriter, r *http.Request) {
	var req InjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.br.Execute(r.PathValue("name"), req.Port, req.Packets); err != nil {
		writeErrno(w, err)
		return
	}
	writeOK(w, map[string]int{"packets": len(req.Packets)})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	sw, err := s.br.Switch(r.PathValue("name"))
	if err != nil {
		writeErrno(w, err)
		return
	}
	defer sw.Unref()
	writeOK(w, SwitchStats{
		Switch: sw.Name,
		Engine: sw.EngineName(),
		Ports:  sw.NumPorts(),
		Stats:  sw.Stats(),
	})
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
		n = parsed
	}
	recs := s.eventBuf.LatestFiltered(n, eventFilter(r))
	entries := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, eventEntryFromRecord(rec))
	}
	writeOK(w, entries)
}

func eventFilter(r *http.Request) logging.EventFilter {
	q := r.URL.Query()
	return logging.EventFilter{
		Switch: q.Get("switch"),
		Type:   q.Get("type"),
		Port:   q.Get("port"),
	}
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}
