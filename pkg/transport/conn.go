package transport

import (
	"io"
	"net"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// packetConn 屏蔽 ipv4/ipv6 控制消息差异
// 监听在通配地址时需要控制消息才能知道报文的实际目的地址
type packetConn interface {
	readFrom(b []byte) (n int, dst netip.Addr, src netip.AddrPort, err error)
	writeTo(b []byte, src netip.Addr, dst netip.AddrPort) error
	conn() *net.UDPConn
	Close() error
}

type pconnV4 struct {
	p   *ipv4.PacketConn
	udp *net.UDPConn
}

type pconnV6 struct {
	p   *ipv6.PacketConn
	udp *net.UDPConn
}

func newPacketConn(udp *net.UDPConn, v4 bool) (packetConn, error) {
	if v4 {
		p := ipv4.NewPacketConn(udp)
		if err := p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil && !protocolNotSupported(err) {
			return nil, err
		}
		return &pconnV4{p: p, udp: udp}, nil
	}
	p := ipv6.NewPacketConn(udp)
	if err := p.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil && !protocolNotSupported(err) {
		return nil, err
	}
	return &pconnV6{p: p, udp: udp}, nil
}

func (c *pconnV4) readFrom(b []byte) (int, netip.Addr, netip.AddrPort, error) {
	n, cm, src, err := c.p.ReadFrom(b)
	if err != nil {
		return 0, netip.Addr{}, netip.AddrPort{}, err
	}
	var dst netip.Addr
	if cm != nil {
		dst, _ = netip.AddrFromSlice(cm.Dst)
	}
	return n, dst.Unmap(), udpAddrPort(src), nil
}

func (c *pconnV4) writeTo(b []byte, src netip.Addr, dst netip.AddrPort) error {
	var cm *ipv4.ControlMessage
	if src.IsValid() && !src.IsUnspecified() {
		cm = &ipv4.ControlMessage{Src: src.AsSlice()}
	}
	n, err := c.p.WriteTo(b, cm, net.UDPAddrFromAddrPort(dst))
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

func (c *pconnV4) conn() *net.UDPConn { return c.udp }
func (c *pconnV4) Close() error       { return c.p.Close() }

func (c *pconnV6) readFrom(b []byte) (int, netip.Addr, netip.AddrPort, error) {
	n, cm, src, err := c.p.ReadFrom(b)
	if err != nil {
		return 0, netip.Addr{}, netip.AddrPort{}, err
	}
	var dst netip.Addr
	if cm != nil { // nil on darwin
		dst, _ = netip.AddrFromSlice(cm.Dst)
	}
	return n, dst.Unmap(), udpAddrPort(src), nil
}

func (c *pconnV6) writeTo(b []byte, src netip.Addr, dst netip.AddrPort) error {
	var cm *ipv6.ControlMessage
	if src.IsValid() && !src.IsUnspecified() {
		cm = &ipv6.ControlMessage{Src: src.AsSlice()}
	}
	n, err := c.p.WriteTo(b, cm, net.UDPAddrFromAddrPort(dst))
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

func (c *pconnV6) conn() *net.UDPConn { return c.udp }
func (c *pconnV6) Close() error       { return c.p.Close() }

func udpAddrPort(a net.Addr) netip.AddrPort {
	u, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := u.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// copied from golang.org/x/net/internal/nettest
func protocolNotSupported(err error) bool {
	switch err := err.(type) {
	case syscall.Errno:
		switch err {
		case syscall.EPROTONOSUPPORT, syscall.ENOPROTOOPT:
			return true
		}
	case *os.SyscallError:
		switch err := err.Err.(type) {
		case syscall.Errno:
			switch err {
			case syscall.EPROTONOSUPPORT, syscall.ENOPROTOOPT:
				return true
			}
		}
	}
	return false
}
