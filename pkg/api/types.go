// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import (
	"time"

	"github.com/psaab/p4rt/pkg/dpif"
	"github.com/psaab/p4rt/pkg/p4rt"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime   string   `json:"uptime"`
	Types    []string `json:"types"`
	Switches int      `json:"switches"`
	Engines  []string `json:"engines"`
	Backers  []string `json:"backers"`
}

// SwitchInfo describes one switch.
type SwitchInfo struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	UUID     string          `json:"uuid"`
	DeviceID uint64          `json:"device_id"`
	Created  time.Time       `json:"created"`
	Engine   string          `json:"engine"`
	Ports    []p4rt.PortInfo `json:"ports"`
	Program  *p4rt.Program   `json:"program,omitempty"`
}

// CreateSwitchRequest is the body of POST /api/v1/switches.
type CreateSwitchRequest struct {
	Name  string           `json:"name"`
	Type  string           `json:"type"`
	Ports []AddPortRequest `json:"ports,omitempty"`
}

// AddPortRequest is the body of POST /api/v1/switches/{name}/ports. Port 0
// lets the switch choose.
type AddPortRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Port uint32 `json:"port,omitempty"`
}

// AddPortResponse reports the port a device was attached as.
type AddPortResponse struct {
	Name string `json:"name"`
	Port uint32 `json:"port"`
}

// InjectRequest runs packets through a switch as if received on Port.
// Packets are base64 in JSON.
type InjectRequest struct {
	Port    uint32   `json:"port"`
	Packets [][]byte `json:"packets"`
}

// SwitchStats are the counters of a switch's engine.
type SwitchStats struct {
	Switch string     `json:"switch"`
	Engine string     `json:"engine"`
	Ports  int        `json:"ports"`
	Stats  dpif.Stats `json:"stats"`
}

// EventEntry is an event as returned by the events endpoints.
type EventEntry struct {
	Time     string `json:"time"`
	Type     string `json:"type"`
	Switch   string `json:"switch,omitempty"`
	Datapath string `json:"datapath,omitempty"`
	Port     string `json:"port,omitempty"`
	ODPPort  uint32 `json:"odp_port,omitempty"`
	OFPPort  uint32 `json:"ofp_port,omitempty"`
	Program  uint32 `json:"program,omitempty"`
	Size     int    `json:"size,omitempty"`
	Message  string `json:"message,omitempty"`
}

// LogStreamEntry is a log message sent via SSE.
type LogStreamEntry struct {
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}
