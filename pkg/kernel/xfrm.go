package kernel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/iniwex5/netlink"
	"github.com/iniwex5/netlink/nl"
	"go.uber.org/zap"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/policy"
)

const defaultReplayWindow = 32

// Options XFRM 后端参数
type Options struct {
	// NetNS 命名空间名，为空使用当前命名空间
	NetNS        string
	ReplayWindow int
	EventQueue   int
	Logger       *zap.Logger
}

// XFRM 基于 Linux XFRM 的 Kernel 实现
type XFRM struct {
	h       *netlink.Handle
	ns      *NetNS
	replay  int
	events  chan Event
	done    chan struct{}
	log     *zap.Logger
	monitor bool
}

var _ Kernel = (*XFRM)(nil)

// NewXFRM 打开 netlink 句柄
func NewXFRM(opts Options) (*XFRM, error) {
	x := &XFRM{
		replay: opts.ReplayWindow,
		done:   make(chan struct{}),
		log:    logger.OrNamed(opts.Logger, "xfrm"),
	}
	if x.replay <= 0 {
		x.replay = defaultReplayWindow
	}
	q := opts.EventQueue
	if q <= 0 {
		q = 256
	}
	x.events = make(chan Event, q)

	var err error
	if opts.NetNS != "" {
		if x.ns, err = OpenNetNS(opts.NetNS); err != nil {
			return nil, err
		}
		x.h, err = netlink.NewHandleAt(x.ns.Handle(), syscall.NETLINK_XFRM)
	} else {
		x.h, err = netlink.NewHandle(syscall.NETLINK_XFRM)
	}
	if err != nil {
		if x.ns != nil {
			_ = x.ns.Close()
		}
		return nil, fmt.Errorf("打开 XFRM netlink 句柄失败: %v", err)
	}
	return x, nil
}

func (x *XFRM) Events() <-chan Event { return x.events }

// Flush 清空所有 XFRM State 和 Policy（启动前清理）
func (x *XFRM) Flush() {
	_ = x.h.XfrmStateFlush(0)
	_ = x.h.XfrmPolicyFlush()
}

func (x *XFRM) Close() error {
	select {
	case <-x.done:
		return nil
	default:
	}
	close(x.done)
	x.h.Close()
	if x.ns != nil {
		return x.ns.Close()
	}
	return nil
}

// post 投递事件；调用方位于事件循环内，不能阻塞
func (x *XFRM) post(ev Event) error {
	select {
	case x.events <- ev:
		return nil
	default:
		x.log.Error("内核事件丢弃", logger.Stringer("event", ev))
		return ErrQueueFull
	}
}

// GetSPI 分配 SPI 并建立幼体 SA
func (x *XFRM) GetSPI(req SPIRequest) error {
	proto, err := xfrmProto(req.Proto)
	if err != nil {
		return err
	}
	st, err := x.h.XfrmStateAllocSpi(&netlink.XfrmState{
		Src:   ipOf(req.Src),
		Dst:   ipOf(req.Dst),
		Proto: proto,
		Mode:  xfrmMode(req.Mode),
		Reqid: int(req.ReqID),
	})
	if err != nil {
		return fmt.Errorf("分配 SPI (%s %s->%s) 失败: %v", req.Proto, req.Src, req.Dst, err)
	}
	x.log.Debug("SPI 已分配",
		logger.Uint32("seq", req.Seq),
		logger.Stringer("proto", req.Proto),
		logger.Uint32("spi", uint32(st.Spi)))
	return x.post(Event{
		Kind:  EventSPIReady,
		Seq:   req.Seq,
		Proto: req.Proto,
		SPI:   uint32(st.Spi),
		Src:   req.Src,
		Dst:   req.Dst,
	})
}

func (x *XFRM) UpdateSA(sa *SA) error {
	state, err := buildState(sa, x.replay)
	if err != nil {
		return err
	}
	if err := x.h.XfrmStateUpdate(state); err != nil {
		return fmt.Errorf("更新 XFRM SA (spi=0x%x src=%v dst=%v) 失败: %v", sa.SPI, sa.Src, sa.Dst, err)
	}
	return nil
}

func (x *XFRM) AddSA(sa *SA) error {
	state, err := buildState(sa, x.replay)
	if err != nil {
		return err
	}
	if err := x.h.XfrmStateAdd(state); err != nil {
		return fmt.Errorf("添加 XFRM SA (spi=0x%x src=%v dst=%v) 失败: %v", sa.SPI, sa.Src, sa.Dst, err)
	}
	return nil
}

// DeleteSA 删除 SA（幂等：SA 不存在时静默返回 nil）
func (x *XFRM) DeleteSA(src, dst netip.Addr, proto isakmp.ProtocolID, spi uint32) error {
	p, err := xfrmProto(proto)
	if err != nil {
		return err
	}
	state := &netlink.XfrmState{Src: ipOf(src), Dst: ipOf(dst), Proto: p, Spi: int(spi)}
	if err := x.h.XfrmStateDel(state); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("删除 XFRM SA (spi=0x%x) 失败: %v", spi, err)
	}
	return nil
}

// AddPolicy 使用 Update 语义，覆盖已存在的同名策略
func (x *XFRM) AddPolicy(sp *policy.SPDEntry) error {
	if err := x.h.XfrmPolicyUpdate(buildPolicy(sp)); err != nil {
		return fmt.Errorf("添加 XFRM SP (%s) 失败: %v", sp, err)
	}
	return nil
}

func (x *XFRM) DeletePolicy(sp *policy.SPDEntry) error {
	p := buildPolicy(sp)
	p.Tmpls = nil
	if err := x.h.XfrmPolicyDel(p); err != nil {
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.ENOENT) {
			return nil
		}
		return fmt.Errorf("删除 XFRM SP (%s) 失败: %v", sp, err)
	}
	return nil
}

// StartMonitor 监听内核 XFRM_MSG_EXPIRE 事件
// 软过期触发重协商，硬过期删除阶段二
func (x *XFRM) StartMonitor() error {
	if x.monitor {
		return nil
	}
	ch := make(chan netlink.XfrmMsg)
	errCh := make(chan error, 1)
	subscribe := func() error {
		return netlink.XfrmMonitor(ch, x.done, errCh, nl.XFRM_MSG_EXPIRE)
	}
	var err error
	if x.ns != nil {
		err = x.ns.RunInNS(subscribe)
	} else {
		err = subscribe()
	}
	if err != nil {
		return fmt.Errorf("启动 XFRM Expire 监听失败: %v", err)
	}
	x.monitor = true
	x.log.Info("XFRM SA Expire 监听已启动")

	go func() {
		for {
			select {
			case <-x.done:
				return
			case err := <-errCh:
				x.log.Warn("XFRM 监听错误", logger.Err(err))
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, ok := expireEvent(msg)
				if !ok {
					continue
				}
				select {
				case x.events <- ev:
				case <-x.done:
					return
				}
			}
		}
	}()
	return nil
}

func expireEvent(msg netlink.XfrmMsg) (Event, bool) {
	exp, ok := msg.(*netlink.XfrmMsgExpire)
	if !ok || exp.XfrmState == nil {
		return Event{}, false
	}
	st := exp.XfrmState
	var proto isakmp.ProtocolID
	switch st.Proto {
	case netlink.XFRM_PROTO_ESP:
		proto = isakmp.ProtoESP
	case netlink.XFRM_PROTO_AH:
		proto = isakmp.ProtoAH
	default:
		return Event{}, false
	}
	return Event{
		Kind:  EventExpire,
		Proto: proto,
		SPI:   uint32(st.Spi),
		Src:   addrOf(st.Src),
		Dst:   addrOf(st.Dst),
		Hard:  exp.Hard,
	}, true
}

// buildState 根据 SA 构建 netlink.XfrmState
func buildState(sa *SA, replayWindow int) (*netlink.XfrmState, error) {
	proto, err := xfrmProto(sa.Proto)
	if err != nil {
		return nil, err
	}
	algos, err := SplitKeymat(sa.Proto, sa.Transform, sa.Key)
	if err != nil {
		return nil, err
	}
	mode := xfrmMode(sa.Mode)
	state := &netlink.XfrmState{
		Src:          ipOf(sa.Src),
		Dst:          ipOf(sa.Dst),
		Proto:        proto,
		Mode:         mode,
		Spi:          int(sa.SPI),
		Reqid:        int(sa.ReqID),
		ReplayWindow: replayWindow,
		// tunnel mode SA 允许处理任意地址族的流量
		AFUnspec: mode == netlink.XFRM_MODE_TUNNEL,
	}

	if sa.Lifetime > 0 {
		hard := uint64(sa.Lifetime.Seconds())
		state.Limits.TimeHard = hard
		state.Limits.TimeSoft = SoftLimit(hard)
	}
	if sa.Lifebyte > 0 {
		hard := sa.Lifebyte * 1024
		state.Limits.ByteHard = hard
		state.Limits.ByteSoft = SoftLimit(hard)
	}

	switch {
	case algos.Aead != nil:
		state.Aead = &netlink.XfrmStateAlgo{
			Name:   algos.Aead.Name,
			Key:    algos.EncKey,
			ICVLen: algos.Aead.ICVBits,
		}
	default:
		if algos.Crypt != nil {
			state.Crypt = &netlink.XfrmStateAlgo{Name: algos.Crypt.Name, Key: algos.EncKey}
		}
		if algos.Auth != nil {
			state.Auth = &netlink.XfrmStateAlgo{
				Name:        algos.Auth.Name,
				Key:         algos.AuthKey,
				TruncateLen: algos.Auth.TruncateBits,
			}
		}
	}

	// ESP-in-UDP 封装 (NAT-T)
	if sa.Mode.IsUDP() {
		if sa.Proto != isakmp.ProtoESP {
			return nil, fmt.Errorf("UDP 封装只适用于 ESP")
		}
		state.Encap = &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: int(sa.EncapSrcPort),
			DstPort: int(sa.EncapDstPort),
		}
	}
	return state, nil
}

// buildPolicy 根据策略条目构建 netlink.XfrmPolicy；每个请求对应一个模板
func buildPolicy(sp *policy.SPDEntry) *netlink.XfrmPolicy {
	p := &netlink.XfrmPolicy{
		Src:      prefixNet(sp.Src),
		Dst:      prefixNet(sp.Dst),
		Proto:    netlink.Proto(sp.ULProto),
		SrcPort:  int(sp.SrcPort),
		DstPort:  int(sp.DstPort),
		Dir:      xfrmDir(sp.Dir),
		Priority: int(sp.Priority),
	}
	for _, req := range sp.Requests {
		proto, err := xfrmProto(req.Protocol)
		if err != nil {
			continue
		}
		tmpl := netlink.XfrmPolicyTmpl{
			Proto: proto,
			Mode:  xfrmMode(req.Mode),
			Reqid: int(req.ReqID),
		}
		if !req.Mode.IsTransport() {
			tmpl.Src = ipOf(sp.TunnelSrc)
			tmpl.Dst = ipOf(sp.TunnelDst)
		}
		p.Tmpls = append(p.Tmpls, tmpl)
	}
	return p
}

func xfrmProto(p isakmp.ProtocolID) (netlink.Proto, error) {
	switch p {
	case isakmp.ProtoESP:
		return netlink.XFRM_PROTO_ESP, nil
	case isakmp.ProtoAH:
		return netlink.XFRM_PROTO_AH, nil
	}
	return 0, fmt.Errorf("XFRM 不支持协议 %s", p)
}

func xfrmMode(m isakmp.EncapMode) netlink.Mode {
	if m.IsTransport() {
		return netlink.XFRM_MODE_TRANSPORT
	}
	return netlink.XFRM_MODE_TUNNEL
}

func xfrmDir(d policy.Direction) netlink.Dir {
	switch d {
	case policy.DirIn:
		return netlink.XFRM_DIR_IN
	case policy.DirFwd:
		return netlink.XFRM_DIR_FWD
	}
	return netlink.XFRM_DIR_OUT
}

func ipOf(a netip.Addr) net.IP {
	if !a.IsValid() {
		return nil
	}
	return net.IP(a.Unmap().AsSlice())
}

func addrOf(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

func prefixNet(p netip.Prefix) *net.IPNet {
	if !p.IsValid() {
		return nil
	}
	a := p.Addr().Unmap()
	bits := p.Bits()
	if p.Addr().Is4In6() {
		bits -= 96
	}
	return &net.IPNet{IP: net.IP(a.AsSlice()), Mask: net.CIDRMask(bits, a.BitLen())}
}
