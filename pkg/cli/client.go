package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/psaab/p4rt/pkg/api"
	"github.com/psaab/p4rt/pkg/p4rt"
)

// Client talks to the p4rtd REST API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a client for the API at base, "http://127.0.0.1:8080".
// A non-empty token is sent as a bearer token.
func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is an error reported by the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends the request and decodes the response envelope's data into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) call(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(context.Background(), method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func switchPath(name string, rest ...string) string {
	p := "/api/v1/switches/" + url.PathEscape(name)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// Status returns the daemon status.
func (c *Client) Status() (api.StatusResponse, error) {
	var st api.StatusResponse
	return st, c.call("GET", "/api/v1/status", nil, &st)
}

// Types returns the datapath types.
func (c *Client) Types() ([]string, error) {
	var types []string
	return types, c.call("GET", "/api/v1/types", nil, &types)
}

// Switches returns every switch.
func (c *Client) Switches() ([]api.SwitchInfo, error) {
	var sws []api.SwitchInfo
	return sws, c.call("GET", "/api/v1/switches", nil, &sws)
}

// Switch returns one switch.
func (c *Client) Switch(name string) (api.SwitchInfo, error) {
	var sw api.SwitchInfo
	return sw, c.call("GET", switchPath(name), nil, &sw)
}

// CreateSwitch creates a switch of typ, "" for the daemon's default.
func (c *Client) CreateSwitch(name, typ string) (api.SwitchInfo, error) {
	var sw api.SwitchInfo
	return sw, c.call("POST", "/api/v1/switches", api.CreateSwitchRequest{Name: name, Type: typ}, &sw)
}

// DestroySwitch destroys a switch.
func (c *Client) DestroySwitch(name string, deleteEngine bool) error {
	return c.call("DELETE", switchPath(name)+"?delete_engine="+strconv.FormatBool(deleteEngine), nil, nil)
}

// Ports returns the ports of a switch.
func (c *Client) Ports(name string) ([]p4rt.PortInfo, error) {
	var ports []p4rt.PortInfo
	return ports, c.call("GET", switchPath(name, "ports"), nil, &ports)
}

// AddPort attaches device dev to a switch. port 0 lets the switch choose.
func (c *Client) AddPort(name, dev, typ string, port uint32) (uint32, error) {
	var resp api.AddPortResponse
	err := c.call("POST", switchPath(name, "ports"), api.AddPortRequest{Name: dev, Type: typ, Port: port}, &resp)
	return resp.Port, err
}

// RemovePort removes control-plane port ofp.
func (c *Client) RemovePort(name string, ofp uint32, preserve bool) error {
	path := switchPath(name, "ports", strconv.FormatUint(uint64(ofp), 10)) + "?preserve=" + strconv.FormatBool(preserve)
	return c.call("DELETE", path, nil, nil)
}

// Program returns the program of a switch.
func (c *Client) Program(name string) (p4rt.Program, error) {
	var prog p4rt.Program
	return prog, c.call("GET", switchPath(name, "program"), nil, &prog)
}

// LoadProgram installs code as the program of a switch.
func (c *Client) LoadProgram(name string, code []byte, cookie uint64) (p4rt.Program, error) {
	var prog p4rt.Program
	req, err := c.newRequest(context.Background(), "PUT", switchPath(name, "program"), bytes.NewReader(code))
	if err != nil {
		return prog, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if cookie != 0 {
		req.Header.Set(api.CookieHeader, strconv.FormatUint(cookie, 10))
	}
	return prog, c.do(req, &prog)
}

// UnloadProgram removes the program of a switch.
func (c *Client) UnloadProgram(name string) error {
	return c.call("DELETE", switchPath(name, "program"), nil, nil)
}

// Inject runs pkts through a switch as if received on port.
func (c *Client) Inject(name string, port uint32, pkts [][]byte) error {
	return c.call("POST", switchPath(name, "inject"), api.InjectRequest{Port: port, Packets: pkts}, nil)
}

// Stats returns the engine counters of a switch.
func (c *Client) Stats(name string) (api.SwitchStats, error) {
	var st api.SwitchStats
	return st, c.call("GET", switchPath(name, "stats"), nil, &st)
}

// EventQuery selects events.
type EventQuery struct {
	Switch string
	Type   string
	Count  int
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	if q.Switch != "" {
		v.Set("switch", q.Switch)
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Count > 0 {
		v.Set("n", strconv.Itoa(q.Count))
	}
	return v
}

// Events returns recent events, newest first.
func (c *Client) Events(q EventQuery) ([]api.EventEntry, error) {
	var events []api.EventEntry
	return events, c.call("GET", "/api/v1/events?"+q.values().Encode(), nil, &events)
}

// StreamEvents calls fn for each event streamed by the daemon until ctx is
// cancelled or the stream ends.
func (c *Client) StreamEvents(ctx context.Context, q EventQuery, fn func(api.EventEntry)) error {
	req, err := c.newRequest(ctx, "GET", "/api/v1/events/stream?"+q.values().Encode(), nil)
	if err != nil {
		return err
	}
	stream := &http.Client{} // no timeout
	resp, err := stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev api.EventEntry
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		fn(ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
