package logging

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facilities.
const (
	FacilityKern   = 0
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityAuth   = 4
	FacilitySyslog = 5
	FacilityLocal0 = 16
	FacilityLocal1 = 17
	FacilityLocal2 = 18
	FacilityLocal3 = 19
	FacilityLocal4 = 20
	FacilityLocal5 = 21
	FacilityLocal6 = 22
	FacilityLocal7 = 23
)

// SyslogClient sends RFC 3164 syslog messages over UDP or TCP.
type SyslogClient struct {
	mu       sync.Mutex
	conn     net.Conn
	network  string
	addr     string
	hostname string

	Facility    int
	MinSeverity int // 0 = no filter
}

// NewSyslogClient connects to host:port. network is "udp" (default) or "tcp".
func NewSyslogClient(network, host string, port int) (*SyslogClient, error) {
	if network == "" {
		network = "udp"
	}
	if network != "udp" && network != "tcp" {
		return nil, fmt.Errorf("syslog protocol %q: must be udp or tcp", network)
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "p4rt"
	}
	return &SyslogClient{
		conn:     conn,
		network:  network,
		addr:     addr,
		hostname: hostname,
		Facility: FacilityLocal0,
	}, nil
}

// Send sends a syslog message with the given severity. A failed TCP write
// is retried once on a fresh connection.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := s.Facility*8 + severity
	ts := time.Now().Format(time.Stamp)
	line := fmt.Sprintf("<%d>%s %s p4rtd: %s", priority, ts, s.hostname, msg)
	if s.network == "tcp" {
		line += "\n"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("syslog %s: closed", s.addr)
	}
	_, err := s.conn.Write([]byte(line))
	if err == nil || s.network != "tcp" {
		return err
	}
	conn, derr := net.DialTimeout(s.network, s.addr, 5*time.Second)
	if derr != nil {
		return fmt.Errorf("reconnect syslog %s: %w", s.addr, derr)
	}
	s.conn.Close()
	s.conn = conn
	_, err = s.conn.Write([]byte(line))
	return err
}

// ShouldSend returns true if the severity passes this client's filter.
// Lower number is higher priority.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity converts a severity name to its numeric value.
// Returns 0 (no filter) for unrecognized names.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	default:
		return 0
	}
}

// ParseFacility converts a facility name to its numeric value, local0 for
// unrecognized names.
func ParseFacility(name string) int {
	switch name {
	case "kern":
		return FacilityKern
	case "user":
		return FacilityUser
	case "daemon":
		return FacilityDaemon
	case "auth":
		return FacilityAuth
	case "syslog":
		return FacilitySyslog
	case "local1":
		return FacilityLocal1
	case "local2":
		return FacilityLocal2
	case "local3":
		return FacilityLocal3
	case "local4":
		return FacilityLocal4
	case "local5":
		return FacilityLocal5
	case "local6":
		return FacilityLocal6
	case "local7":
		return FacilityLocal7
	default:
		return FacilityLocal0
	}
}

// Close closes the underlying connection.
func (s *SyslogClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
