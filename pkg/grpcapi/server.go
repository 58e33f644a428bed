// Package grpcapi serves the P4Runtime API over the switches of a bridge.
// A switch's P4Runtime device id is its DeviceID and the forwarding
// pipeline's P4DeviceConfig carries the switch program bytecode.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/psaab/p4rt/pkg/p4rt"
	"github.com/psaab/p4rt/pkg/ubpf"
)

// APIVersion is reported by Capabilities.
const APIVersion = "1.5.0"

// Server implements the P4Runtime service.
type Server struct {
	p4v1.UnimplementedP4RuntimeServer

	br   *p4rt.Bridge
	addr string
	log  *slog.Logger

	mu sync.Mutex
	// saved holds VERIFY_AND_SAVE configs awaiting COMMIT.
	saved map[uint64]*p4v1.ForwardingPipelineConfig
	// p4info of the last committed config, valid while that program is
	// still active.
	committed map[uint64]committedConfig
}

type committedConfig struct {
	programID uint32
	config    *p4v1.ForwardingPipelineConfig
}

// NewServer returns a server for br that listens on addr when Run.
func NewServer(addr string, br *p4rt.Bridge, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "grpc")
	}
	return &Server{
		br:        br,
		addr:      addr,
		log:       logger,
		saved:     make(map[uint64]*p4v1.ForwardingPipelineConfig),
		committed: make(map[uint64]committedConfig),
	}
}

// NewGRPCServer returns a grpc.Server with s registered and request logging
// installed.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	srv := grpc.NewServer(opts...)
	p4v1.RegisterP4RuntimeServer(srv, s)
	return srv
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}

	srv := s.NewGRPCServer()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("P4Runtime server listening", "addr", s.addr)
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err), "err", err)
	} else {
		s.log.Debug("rpc", "method", info.FullMethod, "elapsed", time.Since(start))
	}
	return resp, err
}

// Capabilities reports the supported P4Runtime version.
func (s *Server) Capabilities(_ context.Context, _ *p4v1.CapabilitiesRequest) (*p4v1.CapabilitiesResponse, error) {
	return &p4v1.CapabilitiesResponse{P4RuntimeApiVersion: APIVersion}, nil
}

// SetForwardingPipelineConfig verifies, saves or installs the program in
// the config's P4DeviceConfig. Committing an empty device config removes
// the active program.
func (s *Server) SetForwardingPipelineConfig(_ context.Context, req *p4v1.SetForwardingPipelineConfigRequest) (*p4v1.SetForwardingPipelineConfigResponse, error) {
	id := req.GetDeviceId()
	sw, err := s.br.SwitchByDeviceID(id)
	if err != nil {
		return nil, toStatus(err)
	}
	defer sw.Unref()
	cfg := req.GetConfig()

	switch req.GetAction() {
	case p4v1.SetForwardingPipelineConfigRequest_VERIFY:
		if err := verify(cfg); err != nil {
			return nil, toStatus(err)
		}

	case p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_SAVE:
		if err := verify(cfg); err != nil {
			return nil, toStatus(err)
		}
		s.mu.Lock()
		s.saved[id] = proto.Clone(cfg).(*p4v1.ForwardingPipelineConfig)
		s.mu.Unlock()

	case p4v1.SetForwardingPipelineConfigRequest_COMMIT:
		s.mu.Lock()
		saved, ok := s.saved[id]
		delete(s.saved, id)
		s.mu.Unlock()
		if !ok {
			return nil, status.Errorf(codes.FailedPrecondition, "device %d: no saved forwarding pipeline config", id)
		}
		if err := s.commit(sw, saved); err != nil {
			return nil, toStatus(err)
		}

	case p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		p4v1.SetForwardingPipelineConfigRequest_RECONCILE_AND_COMMIT:
		if cfg == nil {
			return nil, status.Error(codes.InvalidArgument, "missing config")
		}
		if err := s.commit(sw, cfg); err != nil {
			return nil, toStatus(err)
		}

	default:
		return nil, status.Errorf(codes.InvalidArgument, "unsupported action %v", req.GetAction())
	}
	return &p4v1.SetForwardingPipelineConfigResponse{}, nil
}

func (s *Server) commit(sw *p4rt.Switch, cfg *p4v1.ForwardingPipelineConfig) error {
	id := sw.DeviceID
	if len(cfg.GetP4DeviceConfig()) == 0 {
		if err := s.br.UnloadProgram(sw.Name); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.committed, id)
		s.mu.Unlock()
		return nil
	}

	prog, err := s.br.LoadProgramBytes(sw.Name, cfg.GetP4DeviceConfig(), cfg.GetCookie().GetCookie())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.committed[id] = committedConfig{programID: prog.ID, config: proto.Clone(cfg).(*p4v1.ForwardingPipelineConfig)}
	s.mu.Unlock()
	return nil
}

// GetForwardingPipelineConfig returns the active program of the device.
func (s *Server) GetForwardingPipelineConfig(_ context.Context, req *p4v1.GetForwardingPipelineConfigRequest) (*p4v1.GetForwardingPipelineConfigResponse, error) {
	id := req.GetDeviceId()
	sw, err := s.br.SwitchByDeviceID(id)
	if err != nil {
		return nil, toStatus(err)
	}
	defer sw.Unref()
	prog := sw.Program()
	if prog == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "device %d: no forwarding pipeline config", id)
	}

	out := &p4v1.ForwardingPipelineConfig{
		Cookie: &p4v1.ForwardingPipelineConfig_Cookie{Cookie: prog.Cookie},
	}
	s.mu.Lock()
	c, ok := s.committed[id]
	s.mu.Unlock()

	rt := req.GetResponseType()
	if rt == p4v1.GetForwardingPipelineConfigRequest_ALL || rt == p4v1.GetForwardingPipelineConfigRequest_P4INFO_AND_COOKIE {
		if ok && c.programID == prog.ID {
			out.P4Info = proto.Clone(c.config.GetP4Info()).(*configv1.P4Info)
		}
	}
	if rt == p4v1.GetForwardingPipelineConfigRequest_ALL || rt == p4v1.GetForwardingPipelineConfigRequest_DEVICE_CONFIG_AND_COOKIE {
		out.P4DeviceConfig = prog.Data
	}
	return &p4v1.GetForwardingPipelineConfigResponse{Config: out}, nil
}

// verify loads the device config into a scratch VM.
func verify(cfg *p4v1.ForwardingPipelineConfig) error {
	code := cfg.GetP4DeviceConfig()
	if len(code) == 0 {
		return nil
	}
	vm := ubpf.New(0)
	defer vm.Destroy()
	return vm.Load(code)
}

// toStatus maps errno-carrying errors to gRPC status codes.
func toStatus(err error) error {
	code := codes.Unknown
	switch {
	case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENOENT):
		code = codes.NotFound
	case errors.Is(err, unix.EEXIST):
		code = codes.AlreadyExists
	case errors.Is(err, unix.EINVAL):
		code = codes.InvalidArgument
	case errors.Is(err, unix.EBUSY):
		code = codes.FailedPrecondition
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.EAFNOSUPPORT):
		code = codes.Unimplemented
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EFBIG), errors.Is(err, unix.ENOMEM):
		code = codes.ResourceExhausted
	case errors.Is(err, unix.EIO):
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
