package engine

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/kernel"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/policy"
	"github.com/iniwex5/isakmp-go/pkg/schedule"
	"github.com/iniwex5/isakmp-go/pkg/session"
	"github.com/iniwex5/isakmp-go/pkg/transport"
)

// dump 失败时打印结构，Timers 中的 map 需要排序才能稳定
var dump = spew.ConfigState{
	Indent:                  " ",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	DisableMethods:          true,
}

var (
	addrA = netip.MustParseAddrPort("192.0.2.1:500")
	addrB = netip.MustParseAddrPort("198.51.100.2:500")

	netA = netip.MustParsePrefix("10.1.0.0/16")
	netB = netip.MustParsePrefix("10.2.0.0/16")

	testPSK = []byte("isakmp-test-psk")
)

type sentPkt struct {
	local, remote netip.AddrPort
	data          []byte
}

// wire 记录发出的报文，由 testbed 投递给另一端
type wire struct {
	pkts []sentPkt
	sent int
}

func (w *wire) SendTo(local, remote netip.AddrPort, b []byte) error {
	w.pkts = append(w.pkts, sentPkt{local: local, remote: remote, data: append([]byte(nil), b...)})
	w.sent++
	return nil
}

func (w *wire) take() []sentPkt {
	p := w.pkts
	w.pkts = nil
	return p
}

type kernelOp struct {
	Op    string
	Proto isakmp.ProtocolID
	SPI   uint32
	Src   netip.Addr
	Dst   netip.Addr
}

// fakeKernel 记录操作；GETSPI 的结果排队，由测试决定何时投递
type fakeKernel struct {
	nextSPI  uint32
	pending  []kernel.Event
	ops      []kernelOp
	sas      map[uint32]*kernel.SA
	policies []*policy.SPDEntry
	failAdd  error
}

func newFakeKernel(base uint32) *fakeKernel {
	return &fakeKernel{nextSPI: base, sas: make(map[uint32]*kernel.SA)}
}

func (k *fakeKernel) GetSPI(req kernel.SPIRequest) error {
	k.nextSPI++
	k.ops = append(k.ops, kernelOp{Op: "getspi", Proto: req.Proto, SPI: k.nextSPI, Src: req.Src, Dst: req.Dst})
	k.pending = append(k.pending, kernel.Event{
		Kind:  kernel.EventSPIReady,
		Seq:   req.Seq,
		Proto: req.Proto,
		SPI:   k.nextSPI,
		Src:   req.Src,
		Dst:   req.Dst,
	})
	return nil
}

func (k *fakeKernel) UpdateSA(sa *kernel.SA) error {
	k.ops = append(k.ops, kernelOp{Op: "update", Proto: sa.Proto, SPI: sa.SPI, Src: sa.Src, Dst: sa.Dst})
	k.sas[sa.SPI] = sa
	return nil
}

func (k *fakeKernel) AddSA(sa *kernel.SA) error {
	if k.failAdd != nil {
		return k.failAdd
	}
	k.ops = append(k.ops, kernelOp{Op: "add", Proto: sa.Proto, SPI: sa.SPI, Src: sa.Src, Dst: sa.Dst})
	k.sas[sa.SPI] = sa
	return nil
}

func (k *fakeKernel) DeleteSA(src, dst netip.Addr, proto isakmp.ProtocolID, spi uint32) error {
	k.ops = append(k.ops, kernelOp{Op: "delete", Proto: proto, SPI: spi, Src: src, Dst: dst})
	delete(k.sas, spi)
	return nil
}

func (k *fakeKernel) AddPolicy(sp *policy.SPDEntry) error {
	k.ops = append(k.ops, kernelOp{Op: "addpolicy"})
	k.policies = append(k.policies, sp)
	return nil
}

func (k *fakeKernel) DeletePolicy(sp *policy.SPDEntry) error {
	k.ops = append(k.ops, kernelOp{Op: "delpolicy"})
	for i, p := range k.policies {
		if p == sp {
			k.policies = append(k.policies[:i], k.policies[i+1:]...)
			break
		}
	}
	return nil
}

func (k *fakeKernel) Events() <-chan kernel.Event { return nil }
func (k *fakeKernel) Close() error                { return nil }

func (k *fakeKernel) count(op string) int {
	n := 0
	for _, o := range k.ops {
		if o.Op == op {
			n++
		}
	}
	return n
}

type traceRec struct {
	events []session.Event
}

func (r *traceRec) Trace(_ *session.IkeSession, ev session.Event) { r.events = append(r.events, ev) }

func (r *traceRec) count(code session.EventCode, exch isakmp.ExchangeType) int {
	n := 0
	for _, ev := range r.events {
		if ev.Code == code && ev.Exchange == exch {
			n++
		}
	}
	return n
}

func (r *traceRec) hasReason(reason string) bool {
	for _, ev := range r.events {
		if ev.Reason == reason {
			return true
		}
	}
	return false
}

type node struct {
	eng   *Engine
	kern  *fakeKernel
	out   *wire
	tr    *traceRec
	addr  netip.AddrPort
	peer  *policy.PeerConfig
	sa    *policy.SAInfo
	ph1   *session.Phase1
	spid  uint32
	needs []uint32
}

type nodeOpts struct {
	cfg      Config
	spiBase  uint32
	noPolicy bool
	generate policy.GenerateLevel
	pfs      uint16
	initial  bool
}

// newNode 本端 addr，对端 peerAddr；发起方持有出站策略，响应方持有入站策略
func newNode(t *testing.T, clk *schedule.FakeClock, addr, peerAddr netip.AddrPort, initiator bool, o nodeOpts) *node {
	t.Helper()
	n := &node{
		kern: newFakeKernel(o.spiBase),
		out:  &wire{},
		tr:   &traceRec{},
		addr: addr,
	}
	peers := policy.NewPeerTable()
	n.peer = &policy.PeerConfig{
		Name:           "peer",
		Remote:         netip.PrefixFrom(peerAddr.Addr(), 32),
		AuthMethod:     oakley.AuthPreSharedKey,
		PSK:            testPSK,
		GeneratePolicy: o.generate,
		InitialContact: o.initial,
	}
	peers.Add(n.peer)

	sainfo := policy.NewSAInfoTable()
	n.sa = &policy.SAInfo{
		Name:     "anonymous",
		PFSGroup: o.pfs,
		Lifetime: time.Hour,
		EncAlgs:  []policy.EncAlg{{ID: isakmp.ESP_AES, KeyLen: 128}},
		AuthAlgs: []uint16{isakmp.AuthAlgHMACSHA},
	}
	sainfo.Add(n.sa)

	spd := policy.NewSPD()
	if !o.noPolicy {
		req := []policy.Request{{Protocol: isakmp.ProtoESP, Mode: isakmp.EncapTunnel, ReqID: 1}}
		if initiator {
			n.spid = spd.Add(&policy.SPDEntry{Src: netA, Dst: netB, Dir: policy.DirOut, Requests: req})
		} else {
			n.spid = spd.Add(&policy.SPDEntry{Src: netA, Dst: netB, Dir: policy.DirIn, Requests: req})
		}
	}

	cfg := o.cfg
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	eng, err := New(cfg, Deps{
		Kernel: n.kern,
		Sender: n.out,
		Peers:  peers,
		SAInfo: sainfo,
		SPD:    spd,
		Clock:  clk,
		Tracer: n.tr,
		Phase1Needed: func(local, remote netip.Addr, spid uint32) {
			n.needs = append(n.needs, spid)
		},
	})
	if err != nil {
		t.Fatalf("创建引擎失败: %v", err)
	}
	n.eng = eng
	return n
}

func cookie(b byte) isakmp.Cookie {
	return isakmp.Cookie{b, b, b, b, b, b, b, b}
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// mmLastIV 模拟主模式第六条消息的最后一个密文块
var mmLastIV = fill(16, 0x66)

// establish 两端以相同的阶段一结果建立 ISAKMP SA
func establish(t *testing.T, n *node, remote netip.AddrPort, idx isakmp.Index, initiator bool) *session.Phase1 {
	t.Helper()
	return establishIV(t, n, remote, idx, initiator, mmLastIV)
}

func establishIV(t *testing.T, n *node, remote netip.AddrPort, idx isakmp.Index, initiator bool, lastIV []byte) *session.Phase1 {
	t.Helper()
	ph1, err := n.eng.EstablishPhase1(&Phase1Params{
		Local:     n.addr,
		Remote:    remote,
		Index:     idx,
		Initiator: initiator,
		Exchange:  isakmp.ExchangeIdentProt,
		Approval: session.Phase1Approval{
			AuthMethod: oakley.AuthPreSharedKey,
			HashAlg:    crypto.HashSHA1,
			EncAlg:     crypto.EncrAES,
			KeyLen:     128,
			DHGroup:    2,
			Lifetime:   8 * time.Hour,
		},
		Ni:  fill(16, 0x11),
		Nr:  fill(16, 0x22),
		GXi: fill(128, 0x33),
		GXr: fill(128, 0x44),
		GXY: fill(128, 0x55),

		LastIV: lastIV,
	})
	if err != nil {
		t.Fatalf("建立阶段一失败: %v", err)
	}
	n.ph1 = ph1
	return ph1
}

type testbed struct {
	t    *testing.T
	clk  *schedule.FakeClock
	a, b *node
	idx  isakmp.Index
}

// newTestbed A 为发起方，B 为响应方
func newTestbed(t *testing.T, oa, ob nodeOpts) *testbed {
	t.Helper()
	clk := schedule.NewFakeClock(time.Time{})
	if oa.spiBase == 0 {
		oa.spiBase = 0x1000
	}
	if ob.spiBase == 0 {
		ob.spiBase = 0x2000
	}
	tb := &testbed{
		t:   t,
		clk: clk,
		a:   newNode(t, clk, addrA, addrB, true, oa),
		b:   newNode(t, clk, addrB, addrA, false, ob),
		idx: isakmp.Index{I: cookie(1), R: cookie(2)},
	}
	establish(t, tb.b, addrA, tb.idx, false)
	establish(t, tb.a, addrB, tb.idx, true)
	return tb
}

func (tb *testbed) other(n *node) *node {
	if n == tb.a {
		return tb.b
	}
	return tb.a
}

// kernelEvents 投递一端排队的内核事件
func (tb *testbed) kernelEvents(n *node) int {
	k := 0
	for len(n.kern.pending) > 0 {
		ev := n.kern.pending[0]
		n.kern.pending = n.kern.pending[1:]
		n.eng.HandleKernelEvent(ev)
		k++
	}
	return k
}

// deliver 把一个报文交给接收端
func (tb *testbed) deliver(to *node, p sentPkt) {
	to.eng.HandlePacket(transport.Packet{Data: p.data, Local: p.remote, Remote: p.local})
}

func (tb *testbed) flush(from *node) int {
	pkts := from.out.take()
	for _, p := range pkts {
		tb.deliver(tb.other(from), p)
	}
	return len(pkts)
}

// pump 交替投递内核事件与报文直到两端都静止
func (tb *testbed) pump() {
	tb.t.Helper()
	for i := 0; i < 100; i++ {
		k := tb.kernelEvents(tb.a) + tb.kernelEvents(tb.b)
		k += tb.flush(tb.a) + tb.flush(tb.b)
		if k == 0 {
			return
		}
	}
	tb.t.Fatal("报文往返没有结束")
}

// advance 共用时钟前进并执行两端到期的定时事件
func (tb *testbed) advance(d time.Duration) {
	tb.clk.Advance(d)
	tb.a.eng.Scheduler().RunDue()
	tb.b.eng.Scheduler().RunDue()
}

func onlyPhase2(t *testing.T, n *node) *session.Phase2 {
	t.Helper()
	list := n.eng.Registry().Phase2s(nil)
	if len(list) != 1 {
		t.Fatalf("期望 1 个阶段二，实际 %d", len(list))
	}
	return list[0]
}

// initiate A 发起并完成整个快速模式
func (tb *testbed) initiate() (*session.Phase2, *session.Phase2) {
	tb.t.Helper()
	ph2a, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid)
	if err != nil {
		tb.t.Fatalf("发起快速模式失败: %v", err)
	}
	tb.pump()
	ph2b := onlyPhase2(tb.t, tb.b)
	if !ph2a.Established() || !ph2b.Established() {
		tb.t.Fatalf("快速模式未完成: A=%s B=%s\n%s", ph2a.Status, ph2b.Status, dump.Sdump(tb.a.tr.events, tb.b.tr.events))
	}
	return ph2a, ph2b
}

func TestNewRequiresKernelAndSender(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{Sender: &wire{}}); err == nil {
		t.Error("缺少内核接口时应失败")
	}
	if _, err := New(DefaultConfig(), Deps{Kernel: newFakeKernel(0)}); err == nil {
		t.Error("缺少发送接口时应失败")
	}
}

func TestConfigNormalize(t *testing.T) {
	c := Config{NonceSize: 4, RetryCounter: -1}
	c.normalize()
	d := DefaultConfig()
	if c.NonceSize != d.NonceSize || c.RetryInterval != d.RetryInterval || c.Phase2Timeout != d.Phase2Timeout {
		t.Errorf("未填充默认值: %s", dump.Sdump(c))
	}
	if c.RetryCounter != 0 {
		t.Errorf("RetryCounter = %d, 期望 0", c.RetryCounter)
	}
}

func TestZeroRetryCounterDisablesResend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryCounter = 0
	tb := newTestbed(t, nodeOpts{cfg: cfg}, nodeOpts{cfg: cfg})
	if tb.a.eng.Config().RetryCounter != 0 {
		t.Fatal("0 不应被替换为默认值")
	}

	// 正常协商不受影响，但不写重传缓存
	tb.initiate()
	if tb.a.eng.Cache().Len() != 0 || tb.b.eng.Cache().Len() != 0 {
		t.Errorf("重传缓存应关闭: a=%d b=%d", tb.a.eng.Cache().Len(), tb.b.eng.Cache().Len())
	}

	// 第一条消息丢失后不重发，在第一个重发时刻放弃
	ph2, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid)
	if err != nil {
		t.Fatal(err)
	}
	tb.kernelEvents(tb.a)
	sent := tb.a.out.sent
	tb.a.out.take()
	tb.advance(cfg.RetryInterval)
	if tb.a.out.sent != sent {
		t.Errorf("不应重发, sent %d -> %d", sent, tb.a.out.sent)
	}
	if _, ok := tb.a.eng.Registry().Phase2(ph2.Ref()); ok {
		t.Errorf("没有重发次数时协商应放弃: %s", ph2.Status)
	}
	if tb.a.tr.count(session.PacketTxFail, isakmp.ExchangeQuick) != 1 {
		t.Errorf("缺少重发失败事件: %s", dump.Sdump(tb.a.tr.events))
	}
}

func TestEstablishPhase1(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	a, b := tb.a.ph1, tb.b.ph1
	if !a.Established() || !b.Established() {
		t.Fatal("阶段一应已建立")
	}
	if !bytes.Equal(a.Keys.SKEYIDa, b.Keys.SKEYIDa) || !bytes.Equal(a.Keys.IV, b.Keys.IV) {
		t.Error("两端派生的密钥不一致")
	}
	if !bytes.Equal(a.Keys.IV, mmLastIV) {
		t.Errorf("阶段一 IV 应取主模式最后的密文块: %x", a.Keys.IV)
	}
	if a.RetryCounter != DefaultConfig().RetryCounter || a.MarkerLen != 0 {
		t.Errorf("RetryCounter=%d MarkerLen=%d", a.RetryCounter, a.MarkerLen)
	}
	if tb.a.out.sent != 0 {
		t.Errorf("未配置 INITIAL-CONTACT 时不应发送报文, sent=%d", tb.a.out.sent)
	}
	if tb.a.tr.count(session.Phase1Up, isakmp.ExchangeIdentProt) != 1 {
		t.Errorf("缺少 Phase1Up 事件: %s", dump.Sdump(tb.a.tr.events))
	}

	if _, err := tb.a.eng.EstablishPhase1(&Phase1Params{Local: addrA, Remote: netip.MustParseAddrPort("203.0.113.9:500")}); err == nil {
		t.Error("未配置的对端应失败")
	}
}

// 两端阶段一最终 IV 不一致时快速模式无法解密
func TestPhase1LastIVMismatch(t *testing.T) {
	clk := schedule.NewFakeClock(time.Time{})
	tb := &testbed{
		t:   t,
		clk: clk,
		a:   newNode(t, clk, addrA, addrB, true, nodeOpts{spiBase: 0x1000}),
		b:   newNode(t, clk, addrB, addrA, false, nodeOpts{spiBase: 0x2000}),
		idx: isakmp.Index{I: cookie(1), R: cookie(2)},
	}
	establishIV(t, tb.b, addrA, tb.idx, false, fill(16, 0x77))
	establishIV(t, tb.a, addrB, tb.idx, true, mmLastIV)

	ph2a, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid)
	if err != nil {
		t.Fatal(err)
	}
	tb.pump()
	if ph2a.Established() {
		t.Fatal("IV 不一致时快速模式不应完成")
	}
	if tb.b.tr.count(session.PacketRxFail, isakmp.ExchangeQuick) == 0 {
		t.Errorf("响应方应记录接收失败: %s", dump.Sdump(tb.b.tr.events))
	}
	for _, p := range tb.b.eng.Registry().Phase2s(nil) {
		if p.Established() {
			t.Error("响应方不应建立阶段二")
		}
	}
}

func TestPhase1NATPortUsesMarker(t *testing.T) {
	clk := schedule.NewFakeClock(time.Time{})
	natA := netip.AddrPortFrom(addrA.Addr(), transport.PortNATT)
	natB := netip.AddrPortFrom(addrB.Addr(), transport.PortNATT)
	n := newNode(t, clk, natA, natB, true, nodeOpts{spiBase: 0x1000})
	ph1 := establish(t, n, natB, isakmp.Index{I: cookie(7), R: cookie(8)}, true)
	if ph1.MarkerLen != transport.MarkerLen {
		t.Errorf("MarkerLen = %d, 期望 %d", ph1.MarkerLen, transport.MarkerLen)
	}
}

func TestPhase1LifetimeExpires(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	tb.initiate()
	tb.advance(8 * time.Hour)
	if n := len(tb.a.eng.Registry().Phase1s(nil)); n != 0 {
		t.Errorf("阶段一生命期到期后仍有 %d 个", n)
	}
	if n := len(tb.a.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("阶段一过期应级联删除阶段二, 剩余 %d", n)
	}
}

func TestWakeSweepsSleptSAs(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	ph2a, _ := tb.initiate()

	sleptAt := tb.clk.Now()
	tb.clk.Advance(2 * time.Hour)
	if n := tb.a.eng.wake(sleptAt); n != 1 {
		t.Fatalf("应清理 1 个睡眠期间过期的阶段二, 实际 %d", n)
	}
	if !ph2a.Expired() {
		t.Errorf("阶段二状态 %s", ph2a.Status)
	}
	if !tb.a.ph1.Established() {
		t.Error("阶段一尚未到期，不应清理")
	}

	tb.clk.Advance(2 * time.Second)
	tb.a.eng.Scheduler().RunDue()
	if n := len(tb.a.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("快速删除后仍有 %d 个阶段二", n)
	}
	if tb.a.kern.count("delete") != 2 {
		t.Errorf("内核 SA 应被删除: %s", dump.Sdump(tb.a.kern.ops))
	}
}

func TestWakeRunsOnLoop(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	ph2a, _ := tb.initiate()
	// 睡眠期间生命期定时器没有机会执行
	ph2a.Timers.Stop(session.EventExpire)
	sleptAt := tb.clk.Now()
	tb.clk.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tb.a.eng.Run(ctx, make(chan transport.Packet)) }()

	if err := tb.a.eng.Wake(ctx, sleptAt); err != nil {
		t.Fatal(err)
	}
	got := make(chan bool, 1)
	if err := tb.a.eng.Submit(ctx, func() { got <- ph2a.Expired() || ph2a.Dying() }); err != nil {
		t.Fatal(err)
	}
	select {
	case expired := <-got:
		if !expired {
			t.Error("Wake 应在事件循环中清理阶段二")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("事件循环没有执行提交的操作")
	}
	cancel()
	<-done
}
