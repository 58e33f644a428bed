// Package config loads the p4rtd daemon configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psaab/p4rt/pkg/logging"
)

// DefaultPath is where p4rtd looks for its configuration.
const DefaultPath = "/etc/p4rt/p4rtd.yaml"

// Config is the top-level daemon configuration.
type Config struct {
	Log      LogConfig       `yaml:"log"`
	API      APIConfig       `yaml:"api"`
	GRPC     GRPCConfig      `yaml:"grpc"`
	Datapath DatapathConfig  `yaml:"datapath"`
	Syslog   []SyslogConfig  `yaml:"syslog"`
	EventLog *EventLogConfig `yaml:"event_log"`
	Bridges  []BridgeConfig  `yaml:"bridges"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	// Level is a level spec, "info,dpif=debug".
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// APIConfig configures the REST server. An empty Addr disables it. Setting
// Token or Users turns on authentication.
type APIConfig struct {
	Addr    string            `yaml:"addr"`
	Token     string            `yaml:"token"`
	ReadToken string            `yaml:"read_token"` // GET-only access
	Users     map[string]string `yaml:"users"`      // username -> password
	TLSCert   string            `yaml:"tls_cert"`
	TLSKey    string            `yaml:"tls_key"`
}

// GRPCConfig configures the P4Runtime server. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// DatapathConfig tunes the datapath engines.
type DatapathConfig struct {
	Scope        string        `yaml:"scope"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxPorts     uint32        `yaml:"max_ports"`
	MACAging     time.Duration `yaml:"mac_aging"`
	RunInterval  time.Duration `yaml:"run_interval"`
	EventBuffer  int           `yaml:"event_buffer"`
}

// SyslogConfig is one remote syslog destination.
type SyslogConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
	Facility string `yaml:"facility"`
	Severity string `yaml:"severity"`
}

// EventLogConfig writes control-plane events to a local file.
type EventLogConfig struct {
	Path     string `yaml:"path"`
	Format   string `yaml:"format"`
	MaxSize  int64  `yaml:"max_size"`
	MaxFiles int    `yaml:"max_files"`
	Severity string `yaml:"severity"` // minimum severity written
	// AggregateInterval enables periodic per-switch event summaries.
	AggregateInterval time.Duration `yaml:"aggregate_interval"`
}

// BridgeConfig is a switch created at startup.
type BridgeConfig struct {
	Name    string       `yaml:"name"`
	Type    string       `yaml:"type"`
	Ports   []PortConfig `yaml:"ports"`
	Program string       `yaml:"program"`
}

// PortConfig is a port attached at startup. Port 0 lets the switch choose.
type PortConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Port uint32 `yaml:"port"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Log:  LogConfig{Level: "info", Format: "text"},
		API:  APIConfig{Addr: "127.0.0.1:8080"},
		GRPC: GRPCConfig{Addr: "127.0.0.1:9559"},
		Datapath: DatapathConfig{
			Scope:        "p4rt",
			Workers:      1,
			PollInterval: 100 * time.Microsecond,
			BatchSize:    32,
			MACAging:     300 * time.Second,
			RunInterval:  time.Second,
			EventBuffer:  1024,
		},
	}
}

// Load reads path. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default() and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) applyDefaults() {
	for i := range c.Bridges {
		if c.Bridges[i].Type == "" {
			c.Bridges[i].Type = "ubpf"
		}
	}
	for i := range c.Syslog {
		s := &c.Syslog[i]
		if s.Port == 0 {
			s.Port = 514
		}
		if s.Protocol == "" {
			s.Protocol = "udp"
		}
	}
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevels(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q: must be text or json", c.Log.Format))
	}
	if (c.API.TLSCert == "") != (c.API.TLSKey == "") {
		errs = append(errs, fmt.Errorf("api: tls_cert and tls_key must be set together"))
	}
	if c.Datapath.Workers < 0 || c.Datapath.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("datapath: workers and batch_size must not be negative"))
	}
	if c.Datapath.MaxPorts > 65535 {
		errs = append(errs, fmt.Errorf("datapath: max_ports %d exceeds 65535", c.Datapath.MaxPorts))
	}
	for i, s := range c.Syslog {
		if s.Host == "" {
			errs = append(errs, fmt.Errorf("syslog[%d]: host is required", i))
		}
		if s.Protocol != "udp" && s.Protocol != "tcp" {
			errs = append(errs, fmt.Errorf("syslog[%d]: protocol %q: must be udp or tcp", i, s.Protocol))
		}
		if s.Severity != "" && logging.ParseSeverity(s.Severity) == 0 {
			errs = append(errs, fmt.Errorf("syslog[%d]: unknown severity %q", i, s.Severity))
		}
	}
	if el := c.EventLog; el != nil {
		if el.Format != "" && el.Format != "text" && el.Format != "json" {
			errs = append(errs, fmt.Errorf("event_log: format %q: must be text or json", el.Format))
		}
		if el.Severity != "" && logging.ParseSeverity(el.Severity) == 0 {
			errs = append(errs, fmt.Errorf("event_log: unknown severity %q", el.Severity))
		}
	}

	bridges := make(map[string]bool)
	for _, b := range c.Bridges {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("bridge: name is required"))
			continue
		}
		if bridges[b.Name] {
			errs = append(errs, fmt.Errorf("bridge %s: defined twice", b.Name))
		}
		bridges[b.Name] = true

		names := make(map[string]bool)
		numbers := make(map[uint32]bool)
		for _, p := range b.Ports {
			switch {
			case p.Name == "":
				errs = append(errs, fmt.Errorf("bridge %s: port name is required", b.Name))
			case names[p.Name]:
				errs = append(errs, fmt.Errorf("bridge %s: port %s listed twice", b.Name, p.Name))
			}
			names[p.Name] = true
			if p.Port == 0 {
				continue
			}
			if p.Port >= 0xff00 {
				errs = append(errs, fmt.Errorf("bridge %s: port %s: number %d out of range", b.Name, p.Name, p.Port))
			} else if numbers[p.Port] {
				errs = append(errs, fmt.Errorf("bridge %s: port number %d used twice", b.Name, p.Port))
			}
			numbers[p.Port] = true
		}
	}
	return errors.Join(errs...)
}
