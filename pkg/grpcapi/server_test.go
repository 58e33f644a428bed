package grpcapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"

	"github.com/psaab/p4rt/pkg/dpif"
	"github.com/psaab/p4rt/pkg/netdev"
	"github.com/psaab/p4rt/pkg/p4rt"
	"github.com/psaab/p4rt/pkg/pipeline"
	"github.com/psaab/p4rt/pkg/ubpf"
)

func newTestClient(t *testing.T) (p4v1.P4RuntimeClient, *p4rt.Bridge) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := dpif.NewBackend(netdev.NewRegistry(), dpif.Options{Logger: logger})
	t.Cleanup(b.Shutdown)
	br := p4rt.New(dpif.NewRegistry(b.DefaultClasses()...), b.Netdevs(), p4rt.Options{Logger: logger})
	if err := br.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { br.Teardown(true) })

	for _, sw := range []struct{ name, typ string }{{"br0", "ubpf"}, {"plain", "netdev"}} {
		if _, err := br.CreateSwitch(sw.name, sw.typ); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := br.AddPort("br0", "p1", netdev.TypeMemory, p4rt.OFPPNone); err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := NewServer("", br, logger).NewGRPCServer()
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return p4v1.NewP4RuntimeClient(conn), br
}

func redirect(t *testing.T, port uint32) []byte {
	t.Helper()
	code, err := ubpf.Assemble(ubpf.ActionProgram(uint32(pipeline.ActionRedirect), port))
	if err != nil {
		t.Fatal(err)
	}
	return code
}

func setConfig(c p4v1.P4RuntimeClient, id uint64, action p4v1.SetForwardingPipelineConfigRequest_Action, code []byte, cookie uint64) error {
	_, err := c.SetForwardingPipelineConfig(context.Background(), &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId: id,
		Action:   action,
		Config: &p4v1.ForwardingPipelineConfig{
			P4DeviceConfig: code,
			Cookie:         &p4v1.ForwardingPipelineConfig_Cookie{Cookie: cookie},
		},
	})
	return err
}

func TestCapabilities(t *testing.T) {
	c, _ := newTestClient(t)
	resp, err := c.Capabilities(context.Background(), &p4v1.CapabilitiesRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.GetP4RuntimeApiVersion() != APIVersion {
		t.Errorf("version = %q, want %q", resp.GetP4RuntimeApiVersion(), APIVersion)
	}
}

func TestVerifyAndCommit(t *testing.T) {
	c, br := newTestClient(t)
	code := redirect(t, 1)

	if err := setConfig(c, 1, p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT, code, 99); err != nil {
		t.Fatalf("VERIFY_AND_COMMIT: %v", err)
	}
	sw, _ := br.Switch("br0")
	defer sw.Unref()
	prog := sw.Program()
	if prog == nil || !bytes.Equal(prog.Data, code) || prog.Cookie != 99 {
		t.Fatalf("active program = %+v", prog)
	}

	resp, err := c.GetForwardingPipelineConfig(context.Background(), &p4v1.GetForwardingPipelineConfigRequest{DeviceId: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.GetConfig(); !bytes.Equal(got.GetP4DeviceConfig(), code) || got.GetCookie().GetCookie() != 99 {
		t.Errorf("Get = %v", got)
	}

	resp, err = c.GetForwardingPipelineConfig(context.Background(), &p4v1.GetForwardingPipelineConfigRequest{
		DeviceId:     1,
		ResponseType: p4v1.GetForwardingPipelineConfigRequest_COOKIE_ONLY,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.GetConfig().GetP4DeviceConfig()) != 0 || resp.GetConfig().GetCookie().GetCookie() != 99 {
		t.Errorf("COOKIE_ONLY = %v", resp.GetConfig())
	}

	// empty device config removes the program
	if err := setConfig(c, 1, p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT, nil, 0); err != nil {
		t.Fatal(err)
	}
	if sw.Program() != nil {
		t.Error("program still active after empty commit")
	}
	_, err = c.GetForwardingPipelineConfig(context.Background(), &p4v1.GetForwardingPipelineConfigRequest{DeviceId: 1})
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("Get without program: code = %v, want FailedPrecondition", status.Code(err))
	}
}

func TestSaveThenCommit(t *testing.T) {
	c, br := newTestClient(t)
	sw, _ := br.Switch("br0")
	defer sw.Unref()
	code := redirect(t, 1)

	if err := setConfig(c, 1, p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_SAVE, code, 5); err != nil {
		t.Fatal(err)
	}
	if sw.Program() != nil {
		t.Fatal("VERIFY_AND_SAVE activated the program")
	}
	if err := setConfig(c, 1, p4v1.SetForwardingPipelineConfigRequest_COMMIT, nil, 0); err != nil {
		t.Fatalf("COMMIT: %v", err)
	}
	if p := sw.Program(); p == nil || p.Cookie != 5 {
		t.Errorf("committed program = %+v", p)
	}
	// the saved config is consumed
	err := setConfig(c, 1, p4v1.SetForwardingPipelineConfigRequest_COMMIT, nil, 0)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("second COMMIT: code = %v, want FailedPrecondition", status.Code(err))
	}
}

func TestVerifyOnly(t *testing.T) {
	c, br := newTestClient(t)
	sw, _ := br.Switch("br0")
	defer sw.Unref()

	if err := setConfig(c, 1, p4v1.SetForwardingPipelineConfigRequest_VERIFY, redirect(t, 1), 0); err != nil {
		t.Fatal(err)
	}
	if sw.Program() != nil {
		t.Error("VERIFY activated the program")
	}
}

func TestP4InfoFollowsProgram(t *testing.T) {
	c, br := newTestClient(t)
	info := &configv1.P4Info{PkgInfo: &configv1.PkgInfo{Name: "redirect", Version: "1"}}
	_, err := c.SetForwardingPipelineConfig(context.Background(), &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId: 1,
		Action:   p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config:   &p4v1.ForwardingPipelineConfig{P4Info: info, P4DeviceConfig: redirect(t, 1)},
	})
	if err != nil {
		t.Fatal(err)
	}

	get := func() *p4v1.ForwardingPipelineConfig {
		t.Helper()
		resp, err := c.GetForwardingPipelineConfig(context.Background(), &p4v1.GetForwardingPipelineConfigRequest{
			DeviceId:     1,
			ResponseType: p4v1.GetForwardingPipelineConfigRequest_ALL,
		})
		if err != nil {
			t.Fatal(err)
		}
		return resp.GetConfig()
	}
	if got := get().GetP4Info(); !proto.Equal(got, info) {
		t.Errorf("P4Info = %v, want %v", got, info)
	}

	// a program loaded outside P4Runtime has no P4Info
	if _, err := br.LoadProgramBytes("br0", redirect(t, 1), 0); err != nil {
		t.Fatal(err)
	}
	if got := get().GetP4Info(); got != nil {
		t.Errorf("P4Info after out-of-band load = %v, want none", got)
	}
}

func TestSetErrors(t *testing.T) {
	c, br := newTestClient(t)
	good := redirect(t, 1)
	if err := setConfig(c, 1, p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT, good, 1); err != nil {
		t.Fatal(err)
	}
	plain, _ := br.Switch("plain")
	defer plain.Unref()

	tests := []struct {
		name   string
		id     uint64
		action p4v1.SetForwardingPipelineConfigRequest_Action
		code   []byte
		want   codes.Code
	}{
		{"unknown device", 42, p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT, good, codes.NotFound},
		{"invalid verify", 1, p4v1.SetForwardingPipelineConfigRequest_VERIFY, []byte{1, 2, 3}, codes.InvalidArgument},
		{"invalid save", 1, p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_SAVE, []byte{1, 2, 3}, codes.InvalidArgument},
		{"invalid commit", 1, p4v1.SetForwardingPipelineConfigRequest_RECONCILE_AND_COMMIT, []byte{1, 2, 3}, codes.InvalidArgument},
		{"unspecified action", 1, p4v1.SetForwardingPipelineConfigRequest_UNSPECIFIED, good, codes.InvalidArgument},
		{"plain datapath", plain.DeviceID, p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT, good, codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := setConfig(c, tt.id, tt.action, tt.code, 2)
			if status.Code(err) != tt.want {
				t.Errorf("code = %v (%v), want %v", status.Code(err), err, tt.want)
			}
		})
	}

	sw, _ := br.Switch("br0")
	defer sw.Unref()
	if p := sw.Program(); p == nil || p.Cookie != 1 {
		t.Errorf("failed sets disturbed the active program: %+v", p)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{unix.ENODEV, codes.NotFound},
		{unix.ENOENT, codes.NotFound},
		{unix.EEXIST, codes.AlreadyExists},
		{unix.EINVAL, codes.InvalidArgument},
		{unix.EBUSY, codes.FailedPrecondition},
		{unix.EAFNOSUPPORT, codes.Unimplemented},
		{unix.EFBIG, codes.ResourceExhausted},
		{unix.EIO, codes.Internal},
		{errors.New("other"), codes.Unknown},
	}
	for _, tt := range tests {
		wrapped := errors.Join(errors.New("context"), tt.err)
		if got := status.Code(toStatus(wrapped)); got != tt.want {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
