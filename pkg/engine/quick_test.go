package engine

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/policy"
	"github.com/iniwex5/isakmp-go/pkg/session"
	"github.com/iniwex5/isakmp-go/pkg/transport"
)

func checkKeymatCross(t *testing.T, a, b *session.Phase2) {
	t.Helper()
	for _, ps := range a.Approval.Protos {
		ka, kb := a.Keymat(ps.Protocol), b.Keymat(ps.Protocol)
		if ka == nil || kb == nil {
			t.Fatalf("协议 %s 缺少 KEYMAT", ps.Protocol)
		}
		if !bytes.Equal(ka.In, kb.Out) || !bytes.Equal(ka.Out, kb.In) {
			t.Errorf("协议 %s 两端 KEYMAT 不对应", ps.Protocol)
		}
		if len(ka.In) == 0 || bytes.Equal(ka.In, ka.Out) {
			t.Errorf("协议 %s 两个方向的 KEYMAT 应不同且非空", ps.Protocol)
		}
	}
}

func TestQuickModeExchange(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	ph2a, ph2b := tb.initiate()

	checkKeymatCross(t, ph2a, ph2b)
	pa, pb := ph2a.Approval.Protos[0], ph2b.Approval.Protos[0]
	if pa.SPI != 0x1001 || pb.SPI != 0x2001 {
		t.Errorf("SPI 不符: A=0x%x B=0x%x", pa.SPI, pb.SPI)
	}
	if pa.SPIPeer != pb.SPI || pb.SPIPeer != pa.SPI {
		t.Errorf("两端 SPI 不对应: %s", dump.Sdump(pa, pb))
	}
	if ph2a.IDci == nil || !ph2a.IDci.Equal(ph2b.IDci) || !ph2a.IDcr.Equal(ph2b.IDcr) {
		t.Error("隧道模式应交换 ID 且两端一致")
	}
	if ph2b.SPID != tb.b.spid {
		t.Errorf("响应方策略 = %d, 期望 %d", ph2b.SPID, tb.b.spid)
	}

	// 每端一个入站 (update) 与一个出站 (add)
	for _, n := range []*node{tb.a, tb.b} {
		if n.kern.count("update") != 1 || n.kern.count("add") != 1 {
			t.Errorf("内核操作不符: %s", dump.Sdump(n.kern.ops))
		}
	}
	inA, outB := tb.a.kern.sas[pa.SPI], tb.b.kern.sas[pa.SPI]
	if inA == nil || outB == nil || !bytes.Equal(inA.Key, outB.Key) {
		t.Fatal("A 的入站 SA 与 B 的出站 SA 密钥不一致")
	}
	if inA.Src != addrB.Addr() || inA.Dst != addrA.Addr() || inA.Lifetime != time.Hour {
		t.Errorf("入站 SA 不符: %s", dump.Sdump(inA))
	}

	// msg1 msg2 msg3
	if tb.a.out.sent != 2 || tb.b.out.sent != 1 {
		t.Errorf("报文数不符: A=%d B=%d", tb.a.out.sent, tb.b.out.sent)
	}
	if tb.a.tr.count(session.Phase2Up, isakmp.ExchangeQuick) != 1 || tb.b.tr.count(session.Phase2Up, isakmp.ExchangeQuick) != 1 {
		t.Error("缺少 Phase2Up 事件")
	}
	if tb.a.tr.count(session.PacketRxFail, isakmp.ExchangeQuick) != 0 || tb.b.tr.count(session.PacketRxFail, isakmp.ExchangeQuick) != 0 {
		t.Errorf("不应有接收失败: %s", dump.Sdump(tb.a.tr.events, tb.b.tr.events))
	}

	// SA 生命期到期后删除并通知对端
	tb.advance(time.Hour)
	if n := len(tb.a.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("生命期到期后仍有 %d 个阶段二", n)
	}
	if tb.a.kern.count("delete") != 2 {
		t.Errorf("应删除入站与出站 SA: %s", dump.Sdump(tb.a.kern.ops))
	}
}

func TestQuickModePFS(t *testing.T) {
	tb := newTestbed(t, nodeOpts{pfs: 2}, nodeOpts{pfs: 2})
	ph2a, ph2b := tb.initiate()
	if ph2a.Approval.PFSGroup != 2 {
		t.Errorf("PFS 组 = %d", ph2a.Approval.PFSGroup)
	}
	if len(ph2a.GXY) == 0 || !bytes.Equal(ph2a.GXY, ph2b.GXY) {
		t.Fatal("PFS 共享密钥不一致")
	}
	checkKeymatCross(t, ph2a, ph2b)
}

func TestQuickModeCommitBit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseCommitBit = true
	tb := newTestbed(t, nodeOpts{}, nodeOpts{cfg: cfg})

	ph2a, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid)
	if err != nil {
		t.Fatal(err)
	}
	tb.kernelEvents(tb.a)
	tb.flush(tb.a) // msg1
	tb.kernelEvents(tb.b)
	tb.flush(tb.b) // msg2 (C 位)
	if !ph2a.Commit || ph2a.Status != session.Ph2Commit {
		t.Fatalf("发起方应等待 CONNECTED: commit=%v status=%s", ph2a.Commit, ph2a.Status)
	}
	if tb.a.kern.count("add") != 0 {
		t.Error("收到 CONNECTED 之前不应安装 SA")
	}
	tb.flush(tb.a) // msg3
	ph2b := onlyPhase2(t, tb.b)
	if !ph2b.Established() {
		t.Fatalf("响应方状态 %s", ph2b.Status)
	}
	tb.flush(tb.b) // CONNECTED
	if !ph2a.Established() {
		t.Fatalf("发起方状态 %s", ph2a.Status)
	}
	checkKeymatCross(t, ph2a, ph2b)
	if tb.a.tr.count(session.PacketRxSucc, isakmp.ExchangeQuick) != 2 {
		t.Errorf("发起方应成功接收两条消息: %s", dump.Sdump(tb.a.tr.events))
	}
}

// 响应方安装失败时不发送 CONNECTED，发起方也不会安装
func TestCommitBitInstallFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseCommitBit = true
	tb := newTestbed(t, nodeOpts{}, nodeOpts{cfg: cfg})
	tb.b.kern.failAdd = errors.New("netlink: 拒绝")

	ph2a, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid)
	if err != nil {
		t.Fatal(err)
	}
	tb.pump()
	if tb.b.out.sent != 1 {
		t.Errorf("安装失败后不应回复 CONNECTED, sent=%d", tb.b.out.sent)
	}
	if ph2a.Status != session.Ph2Commit {
		t.Errorf("发起方应仍在等待 CONNECTED: %s", ph2a.Status)
	}
	if tb.a.kern.count("add") != 0 || tb.a.kern.count("update") != 0 {
		t.Errorf("发起方不应安装 SA: %s", dump.Sdump(tb.a.kern.ops))
	}
	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("响应方安装失败的阶段二应删除, 剩余 %d", n)
	}
}

func TestHandlersRejectWrongState(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	e := tb.a.eng
	ph2 := e.Registry().NewPhase2(tb.a.ph1.Session)
	ph2.Status = session.Ph2Established
	if err := e.Registry().Bind(ph2, tb.a.ph1); err != nil {
		t.Fatal(err)
	}
	pkt, _ := isakmp.DecodePacket(isakmp.NewMessage().Assemble(isakmp.NoNextPayload, nil))

	steps := []struct {
		name string
		run  func() error
	}{
		{"i1prep", func() error { return e.i1prep(ph2) }},
		{"i1send", func() error { return e.i1send(ph2) }},
		{"i2recv", func() error { return e.i2recv(ph2, pkt) }},
		{"i2send", func() error { return e.i2send(ph2) }},
		{"i3recv", func() error { return e.i3recv(ph2, pkt) }},
		{"r1recv", func() error { return e.r1recv(ph2, pkt) }},
		{"r1prep", func() error { return e.r1prep(ph2) }},
		{"r2send", func() error { return e.r2send(ph2) }},
		{"r3recv", func() error { return e.r3recv(ph2, pkt) }},
		{"r3send", func() error { return e.r3send(ph2) }},
		{"r3prep", func() error { return e.r3prep(ph2) }},
		{"install", func() error { return e.install(tb.a.ph1, ph2) }},
	}
	for _, s := range steps {
		err := s.run()
		var ne *NotifyError
		if !errors.As(err, &ne) || ne.Code != isakmp.InternalError || !strings.Contains(ne.Reason, "状态不符") {
			t.Errorf("%s: 期望状态错误, 得到 %v", s.name, err)
		}
	}
	if ph2.Status != session.Ph2Established || ph2.IV != nil || ph2.Nonce != nil {
		t.Errorf("被拒绝的处理不应修改阶段二: %s", dump.Sdump(ph2.Status, ph2.IV, ph2.Nonce))
	}
	if tb.a.out.sent != 0 {
		t.Errorf("被拒绝的处理不应发送报文, sent=%d", tb.a.out.sent)
	}
}

func TestCorruptedReplyKeepsIV(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	ph2a, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid)
	if err != nil {
		t.Fatal(err)
	}
	tb.kernelEvents(tb.a)
	tb.flush(tb.a)
	tb.kernelEvents(tb.b)
	msg2 := tb.b.out.take()
	if len(msg2) != 1 {
		t.Fatalf("响应方应发出第二条消息, 实际 %d", len(msg2))
	}
	iv := append([]byte(nil), ph2a.IV.Keep...)

	bad := msg2[0]
	bad.data = append([]byte(nil), bad.data...)
	bad.data[isakmp.HeaderLen+5] ^= 0xff
	tb.deliver(tb.a, bad)
	if ph2a.Status != session.Ph2Msg1Sent {
		t.Fatalf("损坏的报文不应推进状态: %s", ph2a.Status)
	}
	if !bytes.Equal(ph2a.IV.Keep, iv) {
		t.Error("校验失败不应推进 IV")
	}
	if tb.a.tr.count(session.PacketRxFail, isakmp.ExchangeQuick) != 1 {
		t.Errorf("缺少接收失败事件: %s", dump.Sdump(tb.a.tr.events))
	}
	tb.a.out.take()

	tb.deliver(tb.a, msg2[0])
	tb.pump()
	if !ph2a.Established() {
		t.Fatalf("原始报文应能完成协商: %s", ph2a.Status)
	}
}

func TestInvalidHashNotifiesPeer(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	ph1a := tb.a.ph1
	const msgID = 7

	props, err := policy.BuildProposals(tb.a.sa, []policy.Request{{Protocol: isakmp.ProtoESP, Mode: isakmp.EncapTunnel}})
	if err != nil {
		t.Fatal(err)
	}
	props[0].Protos[0].SPI = 0x1234
	sa := policy.EncodeSA(props)
	idci := isakmp.IDFromPrefix(netA, 0, 0)
	idcr := isakmp.IDFromPrefix(netB, 0, 0)

	prf, a := ph1a.Keys.PRF, ph1a.Keys.SKEYIDa
	all, err := withHash(func(rest []byte) []byte { return oakley.ComputeHash1(prf, a, msgID, rest) },
		[]isakmp.Payload{sa, &isakmp.PayloadNonce{NonceData: fill(16, 0x66)}, idci, idcr})
	if err != nil {
		t.Fatal(err)
	}
	// HASH 计算之后改动 SA
	sa.Situation ^= 1

	iv, err := ph1a.Keys.NewExchangeIV(msgID)
	if err != nil {
		t.Fatal(err)
	}
	raw, _, err := seal(ph1a, iv, isakmp.ExchangeQuick, 0, all)
	if err != nil {
		t.Fatal(err)
	}
	tb.b.eng.HandlePacket(transport.Packet{Data: raw, Local: addrB, Remote: addrA})

	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("校验失败的首包不应留下阶段二, 剩余 %d", n)
	}
	out := tb.b.out.take()
	if len(out) != 1 {
		t.Fatalf("响应方应回复一个通知, 实际 %d", len(out))
	}
	p, err := isakmp.DecodePacket(out[0].data)
	if err != nil {
		t.Fatal(err)
	}
	if p.Header.ExchangeType != isakmp.ExchangeInformation {
		t.Fatalf("交换类型 %s", p.Header.ExchangeType)
	}
	niv, err := ph1a.Keys.NewExchangeIV(p.Header.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	chain, _, err := open(ph1a, niv, p)
	if err != nil {
		t.Fatalf("用 A 的密钥解密失败: %v", err)
	}
	var got *isakmp.PayloadNotify
	for _, en := range chain {
		if n, ok := en.Payload.(*isakmp.PayloadNotify); ok {
			got = n
		}
	}
	if got == nil || got.NotifyType != isakmp.InvalidHashInformation {
		t.Fatalf("期望 INVALID-HASH-INFORMATION: %s", dump.Sdump(chain))
	}
	if !bytes.Equal(got.SPI, tb.b.ph1.Index.Bytes()) || got.ProtocolID != isakmp.ProtoISAKMP {
		t.Errorf("未批准的阶段二应以 ISAKMP SA 通知: %s", dump.Sdump(got))
	}
}

func TestResendExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Phase2Timeout = 10 * time.Minute
	tb := newTestbed(t, nodeOpts{cfg: cfg}, nodeOpts{})
	if _, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid); err != nil {
		t.Fatal(err)
	}
	tb.kernelEvents(tb.a)
	if tb.a.out.sent != 1 {
		t.Fatalf("sent=%d", tb.a.out.sent)
	}

	for i := 1; i <= 5; i++ {
		tb.advance(cfg.RetryInterval)
		if tb.a.out.sent != 1+i {
			t.Fatalf("第 %d 次重发后 sent=%d", i, tb.a.out.sent)
		}
	}
	if n := len(tb.a.eng.Registry().Phase2s(nil)); n != 1 {
		t.Fatalf("重发未用尽前不应删除, 剩余 %d", n)
	}
	tb.advance(cfg.RetryInterval)
	if n := len(tb.a.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("重发用尽后仍有 %d 个阶段二", n)
	}
	if tb.a.out.sent != 6 {
		t.Errorf("sent=%d, 期望 6", tb.a.out.sent)
	}
	if tb.a.tr.count(session.PacketTxFail, isakmp.ExchangeQuick) != 1 {
		t.Errorf("缺少发送失败事件: %s", dump.Sdump(tb.a.tr.events))
	}
	// 已申请但未完成的入站 SPI 一并删除
	if tb.a.kern.count("delete") != 1 {
		t.Errorf("内核操作: %s", dump.Sdump(tb.a.kern.ops))
	}
}

func TestPhase2Timeout(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	if _, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid); err != nil {
		t.Fatal(err)
	}
	tb.kernelEvents(tb.a)
	tb.advance(29 * time.Second)
	if n := len(tb.a.eng.Registry().Phase2s(nil)); n != 1 {
		t.Fatalf("超时前不应删除, 剩余 %d", n)
	}
	tb.advance(time.Second)
	if n := len(tb.a.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("超时后仍有 %d 个阶段二", n)
	}
	if !tb.a.tr.hasReason("协商超时") {
		t.Errorf("缺少超时事件: %s", dump.Sdump(tb.a.tr.events))
	}
}

func TestRetransmitCache(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	if _, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid); err != nil {
		t.Fatal(err)
	}
	tb.kernelEvents(tb.a)
	msg1 := tb.a.out.take()
	tb.deliver(tb.b, msg1[0])
	tb.kernelEvents(tb.b)
	msg2 := tb.b.out.take()
	if len(msg2) != 1 {
		t.Fatalf("响应方应发出第二条消息, 实际 %d", len(msg2))
	}

	// 1 秒内的重传只告警
	tb.deliver(tb.b, msg1[0])
	if got := tb.b.out.take(); len(got) != 0 {
		t.Errorf("快速重传不应回复, 得到 %d 个报文", len(got))
	}
	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 1 {
		t.Errorf("重传不应创建新的阶段二, 共 %d", n)
	}

	tb.clk.Advance(2 * time.Second)
	tb.deliver(tb.b, msg1[0])
	got := tb.b.out.take()
	if len(got) != 1 || !bytes.Equal(got[0].data, msg2[0].data) {
		t.Fatalf("应重发缓存的第二条消息: %d", len(got))
	}

	tb.deliver(tb.a, msg2[0])
	tb.pump()
	onlyPhase2(t, tb.a)
	if !onlyPhase2(t, tb.b).Established() {
		t.Error("协商应完成")
	}
}

func TestInstallFailureRollsBack(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	tb.b.kern.failAdd = errors.New("netlink: 拒绝")
	if _, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid); err != nil {
		t.Fatal(err)
	}
	tb.pump()
	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("安装失败的阶段二应删除, 剩余 %d", n)
	}
	// update 成功后 add 失败：回滚删除入站 SA
	if tb.b.kern.count("update") != 1 || tb.b.kern.count("delete") < 1 || len(tb.b.kern.sas) != 0 {
		t.Errorf("内核未回滚: %s", dump.Sdump(tb.b.kern.ops))
	}
	if tb.b.tr.count(session.PacketTxFail, isakmp.ExchangeQuick) != 1 {
		t.Errorf("缺少失败事件: %s", dump.Sdump(tb.b.tr.events))
	}
}

func TestResponderWithoutPolicy(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{noPolicy: true})
	ph2a, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid)
	if err != nil {
		t.Fatal(err)
	}
	tb.pump()
	if ph2a.Status != session.Ph2Msg1Sent {
		t.Errorf("发起方状态 %s", ph2a.Status)
	}
	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("响应方不应保留阶段二, 剩余 %d", n)
	}
	// 响应方回复 NO-PROPOSAL-CHOSEN，发起方校验通过后记录
	if tb.a.tr.count(session.PacketRxSucc, isakmp.ExchangeInformation) != 1 {
		t.Errorf("发起方应收到通知: %s", dump.Sdump(tb.a.tr.events))
	}
}

func TestGeneratedPolicy(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{noPolicy: true, generate: policy.GenerateOn})
	_, ph2b := tb.initiate()

	if tb.b.kern.count("addpolicy") != 3 {
		t.Errorf("隧道模式应生成 in/fwd/out 三条策略: %s", dump.Sdump(tb.b.kern.ops))
	}
	if tb.b.eng.SPD().Len() != 3 {
		t.Errorf("SPD 条目数 %d", tb.b.eng.SPD().Len())
	}
	sp, ok := tb.b.eng.SPD().Get(ph2b.SPID)
	if !ok || sp.Dir != policy.DirIn || !sp.Generated || sp.Src != netA || sp.Dst != netB {
		t.Fatalf("生成的入站策略不符: %s", dump.Sdump(sp))
	}

	if err := tb.b.eng.Registry().ExpirePhase2(ph2b, false); err != nil {
		t.Fatal(err)
	}
	if tb.b.kern.count("delpolicy") != 3 || tb.b.eng.SPD().Len() != 0 || len(tb.b.kern.policies) != 0 {
		t.Errorf("阶段二删除后应清除生成的策略: %s", dump.Sdump(tb.b.kern.ops))
	}
}

func TestInitiateValidation(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	if _, err := tb.a.eng.Initiate(tb.a.ph1, 999); !errors.Is(err, policy.ErrNoPolicy) {
		t.Errorf("未知策略: %v", err)
	}
	if _, err := tb.b.eng.Initiate(tb.b.ph1, tb.b.spid); err == nil {
		t.Error("入站策略不能发起")
	}
	if n := len(tb.a.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("失败的发起不应留下阶段二, 剩余 %d", n)
	}
}

// phase2Snapshot 比较用的阶段二快照，定时器与会话单独比较
func phase2Snapshot(ph2 *session.Phase2) string {
	c := *ph2
	c.Session = nil
	c.Timers = session.Timers{}
	return dump.Sdump(c)
}

func TestHandlersRejectMidNegotiation(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	e := tb.a.eng
	ph2, err := e.Initiate(tb.a.ph1, tb.a.spid)
	if err != nil {
		t.Fatal(err)
	}
	if ph2.Status != session.Ph2GetSPISent {
		t.Fatalf("status = %s", ph2.Status)
	}
	pkt, _ := isakmp.DecodePacket(isakmp.NewMessage().Assemble(isakmp.NoNextPayload, nil))

	before := phase2Snapshot(ph2)
	deadline, _ := ph2.Timers.When(session.EventTimeout)
	steps := []struct {
		name string
		run  func() error
	}{
		{"i1prep", func() error { return e.i1prep(ph2) }},
		{"i1send", func() error { return e.i1send(ph2) }},
		{"i2recv", func() error { return e.i2recv(ph2, pkt) }},
		{"i2send", func() error { return e.i2send(ph2) }},
		{"i3recv", func() error { return e.i3recv(ph2, pkt) }},
		{"r1recv", func() error { return e.r1recv(ph2, pkt) }},
		{"r1prep", func() error { return e.r1prep(ph2) }},
		{"r2send", func() error { return e.r2send(ph2) }},
		{"r3recv", func() error { return e.r3recv(ph2, pkt) }},
		{"r3send", func() error { return e.r3send(ph2) }},
		{"r3prep", func() error { return e.r3prep(ph2) }},
		{"install", func() error { return e.install(tb.a.ph1, ph2) }},
	}
	for _, s := range steps {
		err := s.run()
		var ne *NotifyError
		if !errors.As(err, &ne) || ne.Code != isakmp.InternalError || !strings.Contains(ne.Reason, "状态不符") {
			t.Errorf("%s: 期望状态错误, 得到 %v", s.name, err)
		}
		if after := phase2Snapshot(ph2); after != before {
			t.Fatalf("%s 修改了阶段二:\n%s\n%s", s.name, before, after)
		}
	}
	if at, ok := ph2.Timers.When(session.EventTimeout); !ok || !at.Equal(deadline) {
		t.Error("被拒绝的处理不应改变超时定时器")
	}
	if tb.a.out.sent != 0 || tb.a.kern.count("getspi") != 1 {
		t.Errorf("被拒绝的处理不应有副作用: sent=%d %s", tb.a.out.sent, dump.Sdump(tb.a.kern.ops))
	}
}
