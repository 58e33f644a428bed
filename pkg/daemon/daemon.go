// Package daemon implements the p4rtd daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psaab/p4rt/pkg/api"
	"github.com/psaab/p4rt/pkg/config"
	"github.com/psaab/p4rt/pkg/dpif"
	"github.com/psaab/p4rt/pkg/grpcapi"
	"github.com/psaab/p4rt/pkg/logging"
	"github.com/psaab/p4rt/pkg/netdev"
	"github.com/psaab/p4rt/pkg/p4rt"
)

// Options configures the daemon. Non-empty overrides replace the values
// from the configuration file.
type Options struct {
	ConfigFile string
	APIAddr    string
	GRPCAddr   string
	LogLevel   string

	// LogOutput receives the daemon's log, os.Stderr if nil.
	LogOutput io.Writer
}

// Daemon is the main p4rtd daemon.
type Daemon struct {
	opts Options
	cfg  *config.Config

	logHandler *logging.SyslogSlogHandler
	log        *slog.Logger

	events  *logging.EventBuffer
	backend *dpif.Backend
	br      *p4rt.Bridge
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	return &Daemon{opts: opts}
}

// Bridge returns the daemon's bridge, nil before Run.
func (d *Daemon) Bridge() *p4rt.Bridge { return d.br }

// Run starts the daemon and blocks until ctx is cancelled or a signal
// arrives.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	d.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.cfg = cfg

	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.logHandler.Close()

	slog.Info("starting p4rt daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	d.events = logging.NewEventBuffer(cfg.Datapath.EventBuffer)
	netdevs := netdev.NewRegistry()
	d.backend = dpif.NewBackend(netdevs, dpif.Options{
		Workers:      cfg.Datapath.Workers,
		PollInterval: cfg.Datapath.PollInterval,
		BatchSize:    cfg.Datapath.BatchSize,
		MaxPorts:     cfg.Datapath.MaxPorts,
		MACAging:     cfg.Datapath.MACAging,
		Logger:       slog.Default().With("component", "dpif"),
	})
	d.br = p4rt.New(dpif.NewRegistry(d.backend.DefaultClasses()...), netdevs, p4rt.Options{
		Scope:  cfg.Datapath.Scope,
		Events: d.events,
		Logger: slog.Default().With("component", "p4rt"),
	})
	if err := d.br.Init(); err != nil {
		d.backend.Shutdown()
		return fmt.Errorf("init bridge: %w", err)
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() { d.backend.Run(ctx) })
	goRun(func() { d.runLoop(ctx, cfg.Datapath.RunInterval) })

	clients := d.syslogClients(cfg.Syslog)
	d.logHandler.SetClients(clients)

	var eventLog *logging.LocalLogWriter
	if cfg.EventLog != nil {
		eventLog, err = logging.NewLocalLogWriter(logging.LocalLogConfig{
			Path:     cfg.EventLog.Path,
			MaxSize:  cfg.EventLog.MaxSize,
			MaxFiles: cfg.EventLog.MaxFiles,
			Format:   cfg.EventLog.Format,
		})
		if err != nil {
			slog.Warn("event log disabled", "err", err)
		} else {
			eventLog.MinSeverity = logging.ParseSeverity(cfg.EventLog.Severity)
		}
	}
	if eventLog != nil || len(clients) > 0 {
		sub := d.events.Subscribe(256)
		goRun(func() { forwardEvents(ctx, sub, clients, eventLog) })
	}
	if eventLog != nil && cfg.EventLog.AggregateInterval > 0 {
		agg := logging.NewEventAggregator(cfg.EventLog.AggregateInterval, 10)
		agg.SetLogFunc(func(severity int, msg string) { eventLog.Send(severity, msg) })
		sub := d.events.Subscribe(256)
		goRun(func() { agg.Run(ctx, sub) })
	}

	d.applyBridges(cfg.Bridges)

	errCh := make(chan error, 2)
	if cfg.API.Addr != "" {
		srv := api.NewServer(api.Config{
			Addr:     cfg.API.Addr,
			TLSCert:  cfg.API.TLSCert,
			TLSKey:   cfg.API.TLSKey,
			Auth:     authConfig(cfg.API),
			Bridge:   d.br,
			Backend:  d.backend,
			EventBuf: d.events,
			Logger:   slog.Default().With("component", "api"),
		})
		goRun(func() {
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("API server: %w", err)
			}
		})
	}
	if cfg.GRPC.Addr != "" {
		srv := grpcapi.NewServer(cfg.GRPC.Addr, d.br, slog.Default().With("component", "grpc"))
		goRun(func() {
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		})
	}

	var runErr error
	select {
	case runErr = <-errCh:
		slog.Error("server failed, shutting down", "err", runErr)
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	d.logFinalStats()
	d.br.Teardown(false)
	d.backend.Shutdown()
	if eventLog != nil {
		eventLog.Close()
	}

	slog.Info("shutdown complete")
	return runErr
}

func (d *Daemon) applyOverrides(cfg *config.Config) {
	if d.opts.APIAddr != "" {
		cfg.API.Addr = d.opts.APIAddr
	}
	if d.opts.GRPCAddr != "" {
		cfg.GRPC.Addr = d.opts.GRPCAddr
	}
	if d.opts.LogLevel != "" {
		cfg.Log.Level = d.opts.LogLevel
	}
	// "off" disables a server from the command line
	if cfg.API.Addr == "off" {
		cfg.API.Addr = ""
	}
	if cfg.GRPC.Addr == "off" {
		cfg.GRPC.Addr = ""
	}
}

// setupLogging installs the default logger: a text or JSON handler wrapped
// for syslog forwarding and filtered per component.
func (d *Daemon) setupLogging() error {
	levels, err := logging.ParseLevels(d.cfg.Log.Level)
	if err != nil {
		return err
	}
	hopts := &slog.HandlerOptions{Level: levels.Minimum()}
	var base slog.Handler
	if d.cfg.Log.Format == "json" {
		base = slog.NewJSONHandler(d.opts.LogOutput, hopts)
	} else {
		base = slog.NewTextHandler(d.opts.LogOutput, hopts)
	}
	d.logHandler = logging.NewSyslogSlogHandler(base)
	d.log = slog.New(logging.NewLevelHandler(d.logHandler, levels))
	slog.SetDefault(d.log)
	return nil
}

// applyBridges creates the configured switches. Failures are logged and the
// switch skipped, so one bad entry does not keep the daemon down.
func (d *Daemon) applyBridges(bridges []config.BridgeConfig) {
	for _, bc := range bridges {
		sw, err := d.br.CreateSwitch(bc.Name, bc.Type)
		if err != nil {
			slog.Warn("failed to create switch", "switch", bc.Name, "type", bc.Type, "err", err)
			continue
		}
		specs := make([]p4rt.PortSpec, 0, len(bc.Ports))
		for _, pc := range bc.Ports {
			specs = append(specs, p4rt.PortSpec{Name: pc.Name, Type: pc.Type, OFP: pc.Port})
		}
		if _, err := sw.AttachPorts(specs); err != nil {
			slog.Warn("failed to attach ports", "switch", bc.Name, "err", err)
		}
		if bc.Program != "" {
			if _, err := d.br.LoadProgram(bc.Name, bc.Program); err != nil {
				slog.Warn("failed to load program", "switch", bc.Name, "program", bc.Program, "err", err)
			}
		}
	}
}

// runLoop drives per-type and per-switch housekeeping.
func (d *Daemon) runLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.br.Run(); err != nil {
				slog.Warn("bridge run failed", "err", err)
			}
		}
	}
}

// syslogClients connects to every configured syslog destination. Failed
// destinations are logged and skipped.
func (d *Daemon) syslogClients(cfgs []config.SyslogConfig) []*logging.SyslogClient {
	var clients []*logging.SyslogClient
	for _, sc := range cfgs {
		client, err := logging.NewSyslogClient(sc.Protocol, sc.Host, sc.Port)
		if err != nil {
			slog.Warn("failed to create syslog client", "host", sc.Host, "err", err)
			continue
		}
		client.Facility = logging.ParseFacility(sc.Facility)
		client.MinSeverity = logging.ParseSeverity(sc.Severity)
		slog.Info("syslog destination configured",
			"host", sc.Host, "port", sc.Port, "protocol", sc.Protocol)
		clients = append(clients, client)
	}
	return clients
}

// forwardEvents sends every event to the syslog clients and the event log
// until ctx is cancelled.
func forwardEvents(ctx context.Context, sub *logging.Subscription, clients []*logging.SyslogClient, file *logging.LocalLogWriter) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			sev := logging.EventSeverity(rec.Type)
			for _, c := range clients {
				if c.ShouldSend(sev) {
					c.Send(sev, rec.String())
				}
			}
			if file != nil {
				if err := file.WriteEvent(rec); err != nil {
					slog.Debug("event log write failed", "err", err)
				}
			}
		}
	}
}

func authConfig(c config.APIConfig) *api.AuthConfig {
	if c.Token == "" && c.ReadToken == "" && len(c.Users) == 0 {
		return nil
	}
	auth := &api.AuthConfig{Users: c.Users, Tokens: make(map[string]api.Access)}
	if c.ReadToken != "" {
		auth.Tokens[c.ReadToken] = api.AccessRead
	}
	if c.Token != "" {
		auth.Tokens[c.Token] = api.AccessAdmin
	}
	return auth
}

// logFinalStats logs the engine counters of every backer before shutdown.
func (d *Daemon) logFinalStats() {
	backers := d.br.Backers()
	for _, typ := range backers.Types() {
		b, ok := backers.Lookup(typ)
		if !ok {
			continue
		}
		st := b.Engine.Stats()
		slog.Info("final statistics",
			"type", typ,
			"engine", b.Engine.Name(),
			"hits", st.Hits,
			"tx_packets", st.TxPackets,
			"dropped", st.Dropped,
			"errors", st.Errors)
	}
}
