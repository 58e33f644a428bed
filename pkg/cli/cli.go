// Package cli implements the interactive p4rtctl shell.
package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/p4rt/pkg/api"
	"github.com/psaab/p4rt/pkg/cmdtree"
	"github.com/psaab/p4rt/pkg/p4rt"
)

var errExit = errors.New("exit")

// CLI is the interactive command-line interface.
type CLI struct {
	client *Client
	rl     *readline.Instance
	out    io.Writer
	stdin  io.Reader
	src    *apiSource

	hostname string
	username string
}

// New creates a CLI writing to out.
func New(client *Client, out io.Writer) *CLI {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "p4rt"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "root"
	}
	return &CLI{
		client:   client,
		out:      out,
		stdin:    os.Stdin,
		src:      &apiSource{client: client},
		hostname: hostname,
		username: username,
	}
}

func (c *CLI) prompt() string {
	return fmt.Sprintf("%s@%s> ", c.username, c.hostname)
}

// Run starts the interactive loop.
func (c *CLI) Run() error {
	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/p4rtctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{cli: c},
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer c.rl.Close()
	c.out = c.rl.Stdout()

	if st, err := c.client.Status(); err == nil {
		fmt.Fprintf(c.out, "p4rtctl - connected to p4rtd (uptime: %s)\n", st.Uptime)
	}
	fmt.Fprintln(c.out, "Type '?' for help")
	fmt.Fprintln(c.out)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return err
		}
		if err := c.Execute(line); err != nil {
			if err == errExit {
				return nil
			}
			fmt.Fprintf(c.rl.Stderr(), "error: %v\n", err)
		}
	}
	return nil
}

// Execute runs one command line.
func (c *CLI) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}

	parts := strings.Fields(line)
	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "create":
		return c.handleCreate(parts[1:])
	case "destroy":
		return c.handleDestroy(parts[1:])
	case "add":
		return c.handleAdd(parts[1:])
	case "delete":
		return c.handleDelete(parts[1:])
	case "load":
		return c.handleLoad(parts[1:])
	case "unload":
		return c.handleUnload(parts[1:])
	case "inject":
		return c.handleInject(parts[1:])
	case "monitor":
		return c.handleMonitor(parts[1:])
	case "help":
		cmdtree.WriteHelp(c.out, cmdtree.HelpCandidates(cmdtree.Tree))
		return nil
	case "quit", "exit":
		return errExit
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *CLI) showContextHelp(prefix string) {
	words := strings.Fields(prefix)
	partial := ""
	if len(words) > 0 && !strings.HasSuffix(prefix, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	candidates := cmdtree.Complete(cmdtree.Tree, words, partial, c.source())
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "No completions")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}

func (c *CLI) printTreeHelp(header string, path ...string) {
	fmt.Fprintln(c.out, header)
	cmdtree.WriteHelp(c.out, cmdtree.Complete(cmdtree.Tree, path, "", nil))
}

func (c *CLI) handleShow(args []string) error {
	if len(args) == 0 {
		c.printTreeHelp("show: specify what to show", "show")
		return nil
	}
	switch args[0] {
	case "status":
		return c.showStatus()
	case "types":
		types, err := c.client.Types()
		if err != nil {
			return err
		}
		for _, t := range types {
			fmt.Fprintln(c.out, t)
		}
		return nil
	case "switches":
		return c.showSwitches()
	case "switch":
		if len(args) < 2 {
			return fmt.Errorf("show switch: missing switch name")
		}
		if len(args) == 2 {
			return c.showSwitch(args[1])
		}
		switch args[2] {
		case "ports":
			return c.showPorts(args[1])
		case "program":
			return c.showProgram(args[1])
		case "stats":
			return c.showStats(args[1])
		}
		return fmt.Errorf("show switch: unknown target %s", args[2])
	case "events":
		q, err := parseEventQuery(args[1:])
		if err != nil {
			return err
		}
		return c.showEvents(q)
	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *CLI) showStatus() error {
	st, err := c.client.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Uptime:   %s\n", st.Uptime)
	fmt.Fprintf(c.out, "Types:    %s\n", strings.Join(st.Types, ", "))
	fmt.Fprintf(c.out, "Switches: %d\n", st.Switches)
	fmt.Fprintf(c.out, "Backers:  %s\n", strings.Join(st.Backers, ", "))
	fmt.Fprintf(c.out, "Engines:  %s\n", strings.Join(st.Engines, ", "))
	return nil
}

func (c *CLI) showSwitches() error {
	sws, err := c.client.Switches()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%-16s %-8s %-9s %-6s %-8s %s\n", "Name", "Type", "Device-ID", "Ports", "Program", "Engine")
	for _, sw := range sws {
		prog := "-"
		if sw.Program != nil {
			prog = strconv.FormatUint(uint64(sw.Program.ID), 10)
		}
		fmt.Fprintf(c.out, "%-16s %-8s %-9d %-6d %-8s %s\n", sw.Name, sw.Type, sw.DeviceID, len(sw.Ports), prog, sw.Engine)
	}
	return nil
}

func (c *CLI) showSwitch(name string) error {
	sw, err := c.client.Switch(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Switch: %s\n", sw.Name)
	fmt.Fprintf(c.out, "  Type: %s, Engine: %s\n", sw.Type, sw.Engine)
	fmt.Fprintf(c.out, "  UUID: %s, Device ID: %d\n", sw.UUID, sw.DeviceID)
	fmt.Fprintf(c.out, "  Created: %s\n", sw.Created.Format(time.RFC3339))
	if sw.Program != nil {
		fmt.Fprintf(c.out, "  Program: id %d, %d bytes, cookie %#x\n", sw.Program.ID, sw.Program.Size, sw.Program.Cookie)
	} else {
		fmt.Fprintln(c.out, "  Program: none")
	}
	fmt.Fprintf(c.out, "  Ports: %d\n", len(sw.Ports))
	c.writePorts(sw.Ports)
	return nil
}

func (c *CLI) writePorts(ports []p4rt.PortInfo) {
	fmt.Fprintf(c.out, "  %-6s %-6s %-16s %s\n", "OFP", "ODP", "Name", "Type")
	for _, p := range ports {
		fmt.Fprintf(c.out, "  %-6d %-6d %-16s %s\n", p.OFPPort, p.ODPPort, p.Name, p.Type)
	}
}

func (c *CLI) showPorts(name string) error {
	ports, err := c.client.Ports(name)
	if err != nil {
		return err
	}
	c.writePorts(ports)
	return nil
}

func (c *CLI) showProgram(name string) error {
	prog, err := c.client.Program(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Program %d: %d bytes, cookie %#x, loaded %s\n",
		prog.ID, prog.Size, prog.Cookie, prog.Loaded.Format(time.RFC3339))
	return nil
}

func (c *CLI) showStats(name string) error {
	st, err := c.client.Stats(name)
	if err != nil {
		return err
	}
	s := st.Stats
	fmt.Fprintf(c.out, "Switch %s (engine %s, %d ports)\n", st.Switch, st.Engine, st.Ports)
	rows := []struct {
		name  string
		value uint64
	}{
		{"Program hits", s.Hits},
		{"Missed", s.Missed},
		{"Program errors", s.Errors},
		{"Batches", s.Batches},
		{"TX packets", s.TxPackets},
		{"TX dropped", s.TxDropped},
		{"Dropped", s.Dropped},
		{"Flooded", s.Flooded},
	}
	for _, r := range rows {
		fmt.Fprintf(c.out, "  %-16s %d\n", r.name+":", r.value)
	}
	fmt.Fprintf(c.out, "  %-16s %d\n", "Cached flows:", s.Flows)
	fmt.Fprintf(c.out, "  %-16s %d\n", "Learned MACs:", s.MACs)
	fmt.Fprintf(c.out, "  %-16s %d\n", "Workers:", s.Workers)
	return nil
}

func parseEventQuery(args []string) (EventQuery, error) {
	q := EventQuery{Count: 20}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			return q, fmt.Errorf("%s: missing value", args[i])
		}
		switch args[i] {
		case "switch":
			q.Switch = args[i+1]
		case "type":
			q.Type = args[i+1]
		case "count":
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return q, fmt.Errorf("invalid count %q", args[i+1])
			}
			q.Count = n
		default:
			return q, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	return q, nil
}

func (c *CLI) showEvents(q EventQuery) error {
	events, err := c.client.Events(q)
	if err != nil {
		return err
	}
	// oldest first, like a log
	for i := len(events) - 1; i >= 0; i-- {
		c.writeEvent(events[i])
	}
	return nil
}

func (c *CLI) writeEvent(ev api.EventEntry) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", ev.Time, ev.Type)
	if ev.Switch != "" {
		fmt.Fprintf(&b, " switch=%s", ev.Switch)
	}
	if ev.Datapath != "" {
		fmt.Fprintf(&b, " datapath=%s", ev.Datapath)
	}
	if ev.Port != "" {
		fmt.Fprintf(&b, " port=%s ofp=%d odp=%d", ev.Port, ev.OFPPort, ev.ODPPort)
	}
	if ev.Program != 0 {
		fmt.Fprintf(&b, " program=%d size=%d", ev.Program, ev.Size)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " %s", ev.Message)
	}
	fmt.Fprintln(c.out, b.String())
}

func (c *CLI) handleCreate(args []string) error {
	if len(args) < 2 || args[0] != "switch" {
		return fmt.Errorf("usage: create switch NAME [type TYPE]")
	}
	typ := ""
	if len(args) >= 4 && args[2] == "type" {
		typ = args[3]
	} else if len(args) != 2 {
		return fmt.Errorf("usage: create switch NAME [type TYPE]")
	}
	sw, err := c.client.CreateSwitch(args[1], typ)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "switch %s created (type %s, device id %d)\n", sw.Name, sw.Type, sw.DeviceID)
	return nil
}

func (c *CLI) handleDestroy(args []string) error {
	if len(args) < 2 || args[0] != "switch" {
		return fmt.Errorf("usage: destroy switch NAME [delete-engine]")
	}
	deleteEngine := len(args) > 2 && args[2] == "delete-engine"
	if err := c.client.DestroySwitch(args[1], deleteEngine); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "switch %s destroyed\n", args[1])
	return nil
}

func (c *CLI) handleAdd(args []string) error {
	if len(args) < 3 || args[0] != "port" {
		return fmt.Errorf("usage: add port SWITCH DEVICE [type TYPE] [number N]")
	}
	sw, dev := args[1], args[2]
	var typ string
	var number uint32
	for i := 3; i < len(args); i += 2 {
		if i+1 >= len(args) {
			return fmt.Errorf("%s: missing value", args[i])
		}
		switch args[i] {
		case "type":
			typ = args[i+1]
		case "number":
			n, err := strconv.ParseUint(args[i+1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid port number %q", args[i+1])
			}
			number = uint32(n)
		default:
			return fmt.Errorf("unknown option: %s", args[i])
		}
	}
	ofp, err := c.client.AddPort(sw, dev, typ, number)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "port %s added to %s as %d\n", dev, sw, ofp)
	return nil
}

func (c *CLI) handleDelete(args []string) error {
	if len(args) < 3 || args[0] != "port" {
		return fmt.Errorf("usage: delete port SWITCH PORT [preserve]")
	}
	ofp, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid port number %q", args[2])
	}
	preserve := len(args) > 3 && args[3] == "preserve"
	if err := c.client.RemovePort(args[1], uint32(ofp), preserve); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "port %d deleted from %s\n", ofp, args[1])
	return nil
}

func (c *CLI) handleLoad(args []string) error {
	if len(args) < 3 || args[0] != "program" {
		return fmt.Errorf("usage: load program SWITCH FILE [cookie N]")
	}
	var cookie uint64
	if len(args) >= 5 && args[3] == "cookie" {
		v, err := strconv.ParseUint(args[4], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid cookie %q", args[4])
		}
		cookie = v
	}
	code, err := c.readProgram(args[2])
	if err != nil {
		return err
	}
	prog, err := c.client.LoadProgram(args[1], code, cookie)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "program %d loaded on %s (%d bytes)\n", prog.ID, args[1], prog.Size)
	return nil
}

func (c *CLI) readProgram(source string) ([]byte, error) {
	if source == p4rt.StdinSource {
		return io.ReadAll(c.stdin)
	}
	return os.ReadFile(source)
}

func (c *CLI) handleUnload(args []string) error {
	if len(args) != 2 || args[0] != "program" {
		return fmt.Errorf("usage: unload program SWITCH")
	}
	if err := c.client.UnloadProgram(args[1]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "program unloaded from %s\n", args[1])
	return nil
}

func (c *CLI) handleInject(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: inject SWITCH PORT HEX...")
	}
	port, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid port number %q", args[1])
	}
	pkts := make([][]byte, 0, len(args)-2)
	for _, h := range args[2:] {
		pkt, err := hex.DecodeString(strings.ReplaceAll(h, ":", ""))
		if err != nil {
			return fmt.Errorf("invalid packet %q: %w", h, err)
		}
		pkts = append(pkts, pkt)
	}
	if err := c.client.Inject(args[0], uint32(port), pkts); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d packets injected on %s port %d\n", len(pkts), args[0], port)
	return nil
}

func (c *CLI) handleMonitor(args []string) error {
	if len(args) == 0 || args[0] != "events" {
		c.printTreeHelp("monitor: specify what to monitor", "monitor")
		return nil
	}
	q, err := parseEventQuery(args[1:])
	if err != nil {
		return err
	}
	q.Count = 0

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	fmt.Fprintln(c.out, "monitoring events, press Ctrl-C to stop")
	return c.client.StreamEvents(ctx, q, c.writeEvent)
}
