package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/logger"
)

const (
	PortIKE  = 500
	PortNATT = 4500

	// MarkerLen Non-ESP Marker 长度
	MarkerLen = 4

	maxPacket = 65535
)

var (
	ErrClosed   = errors.New("transport 已关闭")
	ErrNoSocket = errors.New("没有匹配的本地套接字")
)

// Packet 收到的一个 ISAKMP 报文
type Packet struct {
	Data   []byte // 去掉 Non-ESP Marker 后的报文
	Local  netip.AddrPort
	Remote netip.AddrPort
	// MarkerLen 收到时携带的 Non-ESP Marker 长度，回复时沿用
	MarkerLen int
}

type socket struct {
	pc    packetConn
	local netip.AddrPort
	natt  bool
}

// Transport 管理 500/4500 端口上的 UDP 套接字
type Transport struct {
	mu     sync.Mutex
	socks  []*socket
	in     chan Packet
	closed chan struct{}
	wg     sync.WaitGroup
	log    *zap.Logger

	received uint64
	dropped  uint64
	sent     uint64
}

func New(l *zap.Logger) *Transport {
	return &Transport{
		in:     make(chan Packet, 100),
		closed: make(chan struct{}),
		log:    logger.OrNamed(l, "transport"),
	}
}

// Packets 收到的 ISAKMP 报文；Close 后关闭
func (t *Transport) Packets() <-chan Packet { return t.in }

// Listen 打开一个本地套接字并开始接收
// natt 为 true 时设置 UDP_ENCAP_ESPINUDP，ESP 报文交给内核处理
func (t *Transport) Listen(addr netip.AddrPort, natt bool) (netip.AddrPort, error) {
	select {
	case <-t.closed:
		return netip.AddrPort{}, ErrClosed
	default:
	}
	network := "udp6"
	v4 := addr.Addr().Unmap().Is4()
	if v4 {
		network = "udp4"
	}
	udp, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("监听 %s 失败: %v", addr, err)
	}
	pc, err := newPacketConn(udp, v4)
	if err != nil {
		udp.Close()
		return netip.AddrPort{}, fmt.Errorf("设置控制消息失败: %v", err)
	}
	s := &socket{pc: pc, local: udpAddrPort(udp.LocalAddr()), natt: natt}
	if natt {
		if err := setUDPEncap(udp); err != nil {
			pc.Close()
			return netip.AddrPort{}, err
		}
	}

	t.mu.Lock()
	t.socks = append(t.socks, s)
	t.mu.Unlock()

	t.log.Info("套接字已监听", logger.Stringer("local", s.local), logger.Bool("natt", natt))
	t.wg.Add(1)
	go t.readLoop(s)
	return s.local, nil
}

func (t *Transport) readLoop(s *socket) {
	defer t.wg.Done()
	buf := make([]byte, maxPacket)
	for {
		n, dst, src, err := s.pc.readFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.log.Warn("读取失败，停止接收", logger.Stringer("local", s.local), logger.Err(err))
			}
			return
		}
		data, marker, ok := parsePacket(buf[:n], s.natt)
		if !ok {
			continue
		}
		local := s.local
		if dst.IsValid() {
			local = netip.AddrPortFrom(dst, s.local.Port())
		}
		pkt := Packet{
			Data:      append([]byte(nil), data...),
			Local:     local,
			Remote:    src,
			MarkerLen: marker,
		}
		select {
		case t.in <- pkt:
			atomic.AddUint64(&t.received, 1)
		case <-t.closed:
			return
		default:
			drops := atomic.AddUint64(&t.dropped, 1)
			if drops == 1 || drops%100 == 0 {
				t.log.Warn("接收队列已满，丢弃数据包", logger.Uint64("dropped", drops))
			}
		}
	}
}

// SendTo 原样发送；调用方负责 Non-ESP Marker
func (t *Transport) SendTo(local, remote netip.AddrPort, b []byte) error {
	s := t.pick(local)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSocket, local)
	}
	if err := s.pc.writeTo(b, local.Addr(), remote); err != nil {
		return fmt.Errorf("发送到 %s 失败: %v", remote, err)
	}
	atomic.AddUint64(&t.sent, 1)
	return nil
}

// SendKeepalive NAT-T keepalive (RFC 3948)
func (t *Transport) SendKeepalive(local, remote netip.AddrPort) error {
	return t.SendTo(local, remote, []byte{0xff})
}

// pick 端口相同且地址相同 (或监听在通配地址) 的套接字
func (t *Transport) pick(local netip.AddrPort) *socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	var wild *socket
	for _, s := range t.socks {
		if s.local.Port() != local.Port() {
			continue
		}
		if s.local.Addr() == local.Addr().Unmap() {
			return s
		}
		if s.local.Addr().IsUnspecified() && wild == nil {
			wild = s
		}
	}
	return wild
}

func (t *Transport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	t.mu.Lock()
	var err error
	for _, s := range t.socks {
		if e := s.pc.Close(); e != nil && err == nil {
			err = e
		}
	}
	t.mu.Unlock()
	t.wg.Wait()
	close(t.in)
	return err
}

type Stats struct {
	Received uint64
	Dropped  uint64
	Sent     uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Received: atomic.LoadUint64(&t.received),
		Dropped:  atomic.LoadUint64(&t.dropped),
		Sent:     atomic.LoadUint64(&t.sent),
	}
}

// AddMarker 在报文前加 Non-ESP Marker
func AddMarker(b []byte, markerLen int) []byte {
	if markerLen <= 0 {
		return b
	}
	out := make([]byte, markerLen+len(b))
	copy(out[markerLen:], b)
	return out
}

// parsePacket 识别 ISAKMP 报文
// NAT-T 端口上 IKE 报文必须带 Non-ESP Marker；keepalive 与 ESP 丢弃
func parsePacket(data []byte, natt bool) ([]byte, int, bool) {
	if len(data) == 1 && data[0] == 0xff {
		return nil, 0, false
	}
	marker := 0
	if natt {
		if len(data) < MarkerLen || binary.BigEndian.Uint32(data[:MarkerLen]) != 0 {
			return nil, 0, false
		}
		data = data[MarkerLen:]
		marker = MarkerLen
	}
	if !looksLikeISAKMP(data) {
		return nil, 0, false
	}
	return data, marker, true
}

func looksLikeISAKMP(data []byte) bool {
	if len(data) < isakmp.HeaderLen {
		return false
	}
	if data[17]>>4 != 1 {
		return false
	}
	switch isakmp.ExchangeType(data[18]) {
	case isakmp.ExchangeBase, isakmp.ExchangeIdentProt, isakmp.ExchangeAuthOnly,
		isakmp.ExchangeAggressive, isakmp.ExchangeInformation, isakmp.ExchangeQuick:
		return true
	}
	return false
}

// setUDPEncap 设置 UDP_ENCAP_ESPINUDP，内核 XFRM 通过此套接字收发 ESP-in-UDP
func setUDPEncap(udp *net.UDPConn) error {
	rawConn, err := udp.SyscallConn()
	if err != nil {
		return fmt.Errorf("获取 SyscallConn 失败: %v", err)
	}
	var setErr error
	err = rawConn.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_UDP, unix.UDP_ENCAP, unix.UDP_ENCAP_ESPINUDP)
	})
	if err != nil {
		return fmt.Errorf("Control 调用失败: %v", err)
	}
	if setErr != nil {
		return fmt.Errorf("设置 UDP_ENCAP_ESPINUDP 失败: %v", setErr)
	}
	return nil
}
