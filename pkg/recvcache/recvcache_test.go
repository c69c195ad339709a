package recvcache

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/schedule"
)

type sent struct {
	local, remote netip.AddrPort
	b             []byte
}

type captureSender struct {
	out []sent
	err error
}

func (s *captureSender) SendTo(local, remote netip.AddrPort, b []byte) error {
	if s.err != nil {
		return s.err
	}
	s.out = append(s.out, sent{local, remote, append([]byte(nil), b...)})
	return nil
}

var (
	peer  = netip.MustParseAddrPort("192.0.2.10:500")
	local = netip.MustParseAddrPort("198.51.100.1:500")
)

func newTestCache(cfg Config) (*Cache, *schedule.FakeClock, *schedule.Scheduler, *captureSender) {
	clk := schedule.NewFakeClock(time.Time{})
	s := schedule.New(clk)
	tx := &captureSender{}
	return New(cfg, s, tx, nil), clk, s, tx
}

func TestCheckWithoutAdd(t *testing.T) {
	c, _, _, tx := newTestCache(DefaultConfig())
	req := []byte("quick mode message 1")
	for i := 0; i < 2; i++ {
		if r := c.Check(peer, local, req); r != FirstTime {
			t.Fatalf("第 %d 次检查 = %v, want first-time", i+1, r)
		}
	}
	if len(tx.out) != 0 {
		t.Error("未缓存时不应发送任何数据")
	}
}

func TestRetryCounterDecrements(t *testing.T) {
	cfg := Config{RetryCounter: 3, RetryInterval: 5 * time.Second}
	c, clk, _, tx := newTestCache(cfg)
	req := []byte("request")
	resp := []byte("response")
	if err := c.Add(peer, local, resp, req, 0); err != nil {
		t.Fatalf("Add 失败: %v", err)
	}

	last := cfg.RetryCounter
	for i := 0; i < cfg.RetryCounter; i++ {
		clk.Advance(2 * time.Second)
		if r := c.Check(peer, local, req); r != Handled {
			t.Fatalf("第 %d 次重传 = %v, want handled", i+1, r)
		}
		e, ok := c.Lookup(req)
		if i < cfg.RetryCounter-1 {
			if !ok {
				t.Fatalf("第 %d 次重传后缓存不应被删除", i+1)
			}
			if e.RetryCounter >= last {
				t.Fatalf("retry counter 未递减: %d -> %d", last, e.RetryCounter)
			}
			last = e.RetryCounter
		} else if ok {
			t.Fatal("计数用尽后缓存应被删除")
		}
	}

	if len(tx.out) != cfg.RetryCounter {
		t.Errorf("重发次数 = %d, want %d", len(tx.out), cfg.RetryCounter)
	}
	for _, s := range tx.out {
		if !bytes.Equal(s.b, resp) || s.remote != peer || s.local != local {
			t.Fatalf("重发内容错误: %+v", s)
		}
	}

	clk.Advance(2 * time.Second)
	if r := c.Check(peer, local, req); r != FirstTime {
		t.Errorf("删除后再次检查 = %v, want first-time", r)
	}
}

func TestRetryIntervalSchedule(t *testing.T) {
	f := 5 * time.Second
	want := []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 20 * time.Second, 25 * time.Second}
	for i, w := range want {
		if got := RetryInterval(i+1, f); got != w {
			t.Errorf("RetryInterval(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestEntryIntervalFollowsSchedule(t *testing.T) {
	cfg := Config{RetryCounter: 6, RetryInterval: 5 * time.Second}
	c, clk, _, _ := newTestCache(cfg)
	req := []byte("r")
	_ = c.Add(peer, local, []byte("x"), req, 0)

	want := []time.Duration{5, 5, 5, 20, 25}
	for i, w := range want {
		clk.Advance(30 * time.Second)
		c.Check(peer, local, req)
		e, ok := c.Lookup(req)
		if !ok {
			t.Fatalf("第 %d 次后缓存不存在", i+1)
		}
		if e.RetryInterval != w*time.Second {
			t.Errorf("第 %d 次后间隔 = %v, want %v", i+1, e.RetryInterval, w*time.Second)
		}
	}
}

func TestMismatchOnDifferentAddress(t *testing.T) {
	c, clk, _, tx := newTestCache(DefaultConfig())
	req := []byte("req")
	_ = c.Add(peer, local, []byte("resp"), req, 0)
	clk.Advance(5 * time.Second)

	other := netip.MustParseAddrPort("192.0.2.99:500")
	if r := c.Check(other, local, req); r != Mismatch {
		t.Errorf("不同地址 = %v, want mismatch", r)
	}
	// 只有端口不同仍视为同一对端
	natted := netip.AddrPortFrom(peer.Addr(), 4500)
	if r := c.Check(natted, local, req); r != Handled {
		t.Errorf("端口不同 = %v, want handled", r)
	}
	if len(tx.out) != 1 {
		t.Errorf("发送次数 = %d, want 1", len(tx.out))
	}
}

func TestRapidRetransmitOnlyWarns(t *testing.T) {
	c, clk, _, tx := newTestCache(DefaultConfig())
	req := []byte("req")
	_ = c.Add(peer, local, []byte("resp"), req, 0)

	clk.Advance(300 * time.Millisecond)
	if r := c.Check(peer, local, req); r != Handled {
		t.Fatalf("快速重传 = %v, want handled", r)
	}
	if len(tx.out) != 0 {
		t.Error("1 秒内不应重发")
	}
	e, _ := c.Lookup(req)
	if e.RetryCounter != DefaultConfig().RetryCounter {
		t.Errorf("1 秒内不应递减计数, got %d", e.RetryCounter)
	}
}

func TestZeroRetryCounterDisablesCache(t *testing.T) {
	c, _, s, _ := newTestCache(Config{RetryCounter: 0, RetryInterval: time.Second})
	req := []byte("req")
	if err := c.Add(peer, local, []byte("resp"), req, 0); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Error("计数为 0 时不应缓存")
	}
	if r := c.Check(peer, local, req); r != FirstTime {
		t.Errorf("检查 = %v, want first-time", r)
	}
	c.Start()
	if s.Len() != 0 {
		t.Error("计数为 0 时不应启动清理定时器")
	}
}

func TestNonESPMarkerPrefix(t *testing.T) {
	c, clk, _, tx := newTestCache(DefaultConfig())
	req := []byte("req")
	resp := []byte{1, 2, 3}
	_ = c.Add(peer, local, resp, req, NonESPMarkerLen)
	clk.Advance(2 * time.Second)
	c.Check(peer, local, req)
	if len(tx.out) != 1 {
		t.Fatalf("发送次数 = %d", len(tx.out))
	}
	want := []byte{0, 0, 0, 0, 1, 2, 3}
	if !bytes.Equal(tx.out[0].b, want) {
		t.Errorf("重发内容 = %x, want %x", tx.out[0].b, want)
	}
}

func TestFragmentedResend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FragmentMTU = 128
	c, clk, _, tx := newTestCache(cfg)

	m := isakmp.NewMessage()
	m.Header.ExchangeType = isakmp.ExchangeQuick
	m.Header.MessageID = 7
	m.Header.Index.I = isakmp.Cookie{1, 2, 3, 4, 5, 6, 7, 8}
	m.Payloads = append(m.Payloads, &isakmp.PayloadVendorID{VendorData: bytes.Repeat([]byte{0xab}, 400)})
	resp, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}

	req := []byte("req")
	if err := c.Add(peer, local, resp, req, 0); err != nil {
		t.Fatalf("Add 失败: %v", err)
	}
	clk.Advance(2 * time.Second)
	c.Check(peer, local, req)
	if len(tx.out) < 2 {
		t.Fatalf("应按分片重发, 发送次数 = %d", len(tx.out))
	}

	r := isakmp.NewReassembler()
	var whole []byte
	for _, s := range tx.out {
		if len(s.b) > cfg.FragmentMTU {
			t.Errorf("分片长度 %d 超过 MTU", len(s.b))
		}
		pkt, err := isakmp.DecodePacket(s.b)
		if err != nil {
			t.Fatal(err)
		}
		chain, err := isakmp.DecodeChain(pkt.Header.NextPayload, pkt.Body)
		if err != nil {
			t.Fatal(err)
		}
		f, ok := chain[0].Payload.(*isakmp.PayloadFrag)
		if !ok {
			t.Fatalf("载荷类型 %T, want *PayloadFrag", chain[0].Payload)
		}
		out, done, err := r.Add(f)
		if err != nil {
			t.Fatal(err)
		}
		if done {
			whole = out
		}
	}
	if !bytes.Equal(whole, resp) {
		t.Error("重组结果与原响应不一致")
	}
}

func TestSendErrorStillConsumesRetry(t *testing.T) {
	c, clk, _, tx := newTestCache(DefaultConfig())
	tx.err = errors.New("network unreachable")
	req := []byte("req")
	_ = c.Add(peer, local, []byte("resp"), req, 0)
	clk.Advance(2 * time.Second)
	if r := c.Check(peer, local, req); r != Handled {
		t.Fatalf("检查 = %v", r)
	}
	e, _ := c.Lookup(req)
	if e.RetryCounter != DefaultConfig().RetryCounter-1 {
		t.Errorf("RetryCounter = %d", e.RetryCounter)
	}
}

func TestSweep(t *testing.T) {
	cfg := Config{RetryCounter: 2, RetryInterval: 10 * time.Second}
	c, clk, s, _ := newTestCache(cfg)
	c.Start()

	_ = c.Add(peer, local, []byte("a"), []byte("old"), 0)
	clk.Advance(15 * time.Second)
	_ = c.Add(peer, local, []byte("b"), []byte("new"), 0)

	// 20s 时清理：old 已存在 20s 未超过阈值
	clk.AdvanceAndRun(s, 5*time.Second)
	if c.Len() != 2 {
		t.Fatalf("阈值边界不应删除, Len = %d", c.Len())
	}
	// 40s 时清理：两条都超过 20s
	clk.AdvanceAndRun(s, 20*time.Second)
	if c.Len() != 0 {
		t.Errorf("过期缓存未清理, Len = %d", c.Len())
	}
	if s.Len() != 1 {
		t.Errorf("清理定时器应持续存在, 队列长度 = %d", s.Len())
	}

	c.Stop()
	if s.Len() != 0 {
		t.Error("Stop 后定时器应被取消")
	}
}
