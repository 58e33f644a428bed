package netdev

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/mdlayher/packet"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// System is a kernel network interface accessed through an AF_PACKET
// socket.
type System struct {
	name string
	ifi  *net.Interface
	conn *packet.Conn
	raw  syscall.RawConn
	buf  []byte
}

func openSystem(name string) (Device, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("link %s: %w", name, unix.ENODEV)
		}
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return nil, fmt.Errorf("set %s up: %w", name, err)
		}
	}

	ifi := &net.Interface{
		Index:        attrs.Index,
		MTU:          attrs.MTU,
		Name:         attrs.Name,
		HardwareAddr: attrs.HardwareAddr,
		Flags:        attrs.Flags,
	}
	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", name, err)
	}
	if err := conn.SetPromiscuous(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("promiscuous %s: %w", name, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("raw conn %s: %w", name, err)
	}

	mtu := attrs.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	return &System{
		name:        name,
		ifi:         ifi,
		conn: conn,
		raw:  raw,
		buf:  make([]byte, mtu+14+4),
	}, nil
}

func (s *System) Name() string { return s.name }
func (s *System) Type() string { return TypeSystem }

// Recv returns the frames already queued on the socket. It never waits.
func (s *System) Recv(max int) ([][]byte, error) {
	pkts, err := recvBatch(s.readNow, s.buf, max)
	if err != nil {
		return pkts, fmt.Errorf("recv %s: %w", s.name, err)
	}
	return pkts, nil
}

// readNow reads one frame with MSG_DONTWAIT.
func (s *System) readNow(b []byte) (int, error) {
	var (
		n    int
		rerr error
	)
	err := s.raw.Read(func(fd uintptr) bool {
		n, _, rerr = unix.Recvfrom(int(fd), b, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, err
	}
	return n, rerr
}

// recvBatch copies up to max frames out of read, stopping when read
// reports EAGAIN.
func recvBatch(read func([]byte) (int, error), buf []byte, max int) ([][]byte, error) {
	var pkts [][]byte
	for len(pkts) < max {
		n, err := read(buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return pkts, nil
		case err != nil:
			return pkts, err
		}
		pkts = append(pkts, append([]byte(nil), buf[:n]...))
	}
	return pkts, nil
}

func (s *System) Send(pkts [][]byte) error {
	var errs []error
	for _, p := range pkts {
		if len(p) < 14 {
			continue
		}
		addr := &packet.Addr{HardwareAddr: net.HardwareAddr(p[0:6])}
		if _, err := s.conn.WriteTo(p, addr); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("send %s: %w", s.name, errors.Join(errs...))
	}
	return nil
}

func (s *System) Close() error {
	return s.conn.Close()
}
