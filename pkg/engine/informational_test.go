package engine

import (
	"testing"
	"time"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/schedule"
	"github.com/iniwex5/isakmp-go/pkg/session"
)

func TestDeletePhase2(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	ph2a, _ := tb.initiate()

	if err := tb.a.eng.Registry().ExpirePhase2(ph2a, true); err != nil {
		t.Fatal(err)
	}
	if tb.a.kern.count("delete") != 2 {
		t.Errorf("本端应删除两个方向的 SA: %s", dump.Sdump(tb.a.kern.ops))
	}
	tb.pump()
	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("对端收到 Delete 后仍有 %d 个阶段二", n)
	}
	if tb.b.kern.count("delete") != 2 {
		t.Errorf("对端内核操作: %s", dump.Sdump(tb.b.kern.ops))
	}
	if tb.b.tr.count(session.PacketRxSucc, isakmp.ExchangeInformation) != 1 {
		t.Errorf("对端应成功接收信息交换: %s", dump.Sdump(tb.b.tr.events))
	}
	if !tb.b.ph1.Established() {
		t.Error("删除阶段二不应影响阶段一")
	}
}

func TestDeletePhase1(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	tb.initiate()
	s := tb.b.ph1.Session

	if err := tb.a.eng.Registry().ExpirePhase1(tb.a.ph1, true); err != nil {
		t.Fatal(err)
	}
	tb.pump()
	if n := len(tb.b.eng.Registry().Phase1s(nil)); n != 0 {
		t.Errorf("对端收到 Delete 后仍有 %d 个阶段一", n)
	}
	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("阶段一删除应级联删除阶段二, 剩余 %d", n)
	}
	if s.StopReason != session.StopByPeerDelete {
		t.Errorf("StopReason = %s", s.StopReason)
	}
}

func TestDeleteUnknownSPIIgnored(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	tb.initiate()
	err := tb.a.eng.sendInformational(tb.a.ph1, &isakmp.PayloadDelete{
		DOI:        isakmp.DOIIPsec,
		ProtocolID: isakmp.ProtoESP,
		SPISize:    4,
		SPIs:       [][]byte{{0xde, 0xad, 0xbe, 0xef}},
	})
	if err != nil {
		t.Fatal(err)
	}
	tb.pump()
	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 1 {
		t.Errorf("未知 SPI 的 Delete 不应删除, 剩余 %d", n)
	}
}

func TestDPD(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	if err := tb.a.eng.SendDPD(tb.a.ph1, 42); err != nil {
		t.Fatal(err)
	}
	tb.pump()
	if tb.b.out.sent != 1 {
		t.Errorf("对端应回复一个 R-U-THERE-ACK, sent=%d", tb.b.out.sent)
	}
	if tb.a.tr.count(session.PacketRxSucc, isakmp.ExchangeInformation) != 1 {
		t.Errorf("本端应收到 ACK: %s", dump.Sdump(tb.a.tr.events))
	}
}

func TestInformationalBadHashDropped(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	ph2a, _ := tb.initiate()
	if err := tb.a.eng.SendDeletePhase2(ph2a); err != nil {
		t.Fatal(err)
	}
	pkts := tb.a.out.take()
	if len(pkts) != 1 {
		t.Fatalf("sent=%d", len(pkts))
	}
	p := pkts[0]
	p.data = append([]byte(nil), p.data...)
	p.data[isakmp.HeaderLen+8] ^= 0x01
	tb.deliver(tb.b, p)

	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 1 {
		t.Errorf("校验失败的 Delete 不应生效, 剩余 %d", n)
	}
	if tb.b.tr.count(session.PacketRxFail, isakmp.ExchangeInformation) != 1 {
		t.Errorf("缺少接收失败事件: %s", dump.Sdump(tb.b.tr.events))
	}
	if tb.b.out.sent != 0 {
		t.Errorf("信息交换失败不应回复, sent=%d", tb.b.out.sent)
	}
}

func TestUnencryptedInformationalDropped(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	ph2a, _ := tb.initiate()
	m := isakmp.NewMessage()
	m.Header.Index = tb.idx
	m.Header.ExchangeType = isakmp.ExchangeInformation
	m.Payloads = []isakmp.Payload{&isakmp.PayloadDelete{
		DOI:        isakmp.DOIIPsec,
		ProtocolID: isakmp.ProtoESP,
		SPISize:    4,
		SPIs:       [][]byte{{0, 0, 0x10, 0x01}},
	}}
	raw, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	tb.deliver(tb.b, sentPkt{local: addrA, remote: addrB, data: raw})
	if !ph2a.Established() || len(tb.b.eng.Registry().Phase2s(nil)) != 1 {
		t.Error("已建立的 ISAKMP SA 上未加密的 Delete 应丢弃")
	}
}

// TestInitialContact 对端重启后用新的 ISAKMP SA 发送 INITIAL-CONTACT
func TestInitialContact(t *testing.T) {
	tb := newTestbed(t, nodeOpts{}, nodeOpts{})
	tb.initiate()
	if tb.b.kern.count("delete") != 0 {
		t.Fatal("初始状态不应有删除")
	}

	// 重启后的 A 没有旧状态
	tb.a = newNode(t, tb.clk, addrA, addrB, true, nodeOpts{spiBase: 0x3000, initial: true})
	idx := isakmp.Index{I: cookie(3), R: cookie(4)}
	establish(t, tb.b, addrA, idx, false)
	establish(t, tb.a, addrB, idx, true)
	if tb.a.out.sent != 1 {
		t.Fatalf("新的发起方应发送 INITIAL-CONTACT, sent=%d", tb.a.out.sent)
	}
	tb.pump()

	if n := len(tb.b.eng.Registry().Phase2s(nil)); n != 0 {
		t.Errorf("INITIAL-CONTACT 后对端仍有 %d 个旧的阶段二", n)
	}
	list := tb.b.eng.Registry().Phase1s(nil)
	if len(list) != 1 || !list[0].Index.Equal(idx) {
		t.Errorf("只应保留新的阶段一: %s", dump.Sdump(len(list)))
	}
	if tb.b.kern.count("delete") != 2 {
		t.Errorf("旧 SA 应从内核删除: %s", dump.Sdump(tb.b.kern.ops))
	}

	// 新的阶段一上可以重新协商
	ph2a, err := tb.a.eng.Initiate(tb.a.ph1, tb.a.spid)
	if err != nil {
		t.Fatal(err)
	}
	tb.pump()
	if !ph2a.Established() {
		t.Errorf("重启后协商失败: %s", ph2a.Status)
	}
}

func TestInitialContactOnlyOnFirstSA(t *testing.T) {
	clk := schedule.NewFakeClock(time.Time{})
	n := newNode(t, clk, addrA, addrB, true, nodeOpts{spiBase: 0x1000, initial: true})
	establish(t, n, addrB, isakmp.Index{I: cookie(1), R: cookie(2)}, true)
	if n.out.sent != 1 {
		t.Fatalf("首个 ISAKMP SA 应发送 INITIAL-CONTACT, sent=%d", n.out.sent)
	}
	n.out.take()

	second := isakmp.Index{I: cookie(5), R: cookie(6)}
	establish(t, n, addrB, second, true)
	for _, p := range n.out.take() {
		h, err := isakmp.DecodeHeader(p.data)
		if err != nil {
			t.Fatal(err)
		}
		if h.Index.Equal(second) {
			t.Error("已有到对端的 ISAKMP SA 时不应再发送 INITIAL-CONTACT")
		}
	}
	if list := n.eng.Registry().Phase1s(nil); len(list) != 1 || !list[0].Index.Equal(second) {
		t.Errorf("新的阶段一应替换旧的: %d", len(list))
	}
}
