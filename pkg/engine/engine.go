package engine

import (
	"context"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/kernel"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/policy"
	"github.com/iniwex5/isakmp-go/pkg/recvcache"
	"github.com/iniwex5/isakmp-go/pkg/schedule"
	"github.com/iniwex5/isakmp-go/pkg/session"
	"github.com/iniwex5/isakmp-go/pkg/transport"
)

// Phase1Handler 主模式/野蛮模式由外部实现
type Phase1Handler interface {
	HandlePhase1(pkt *isakmp.Packet, local, remote netip.AddrPort)
}

// Phase1NeededFunc acquire 命中的对端没有已建立的阶段一
type Phase1NeededFunc func(local, remote netip.Addr, spid uint32)

// Deps 引擎依赖的外部组件
type Deps struct {
	Kernel kernel.Kernel
	Sender recvcache.Sender

	Peers  *policy.PeerTable
	SAInfo *policy.SAInfoTable
	SPD    *policy.SPD
	PSK    oakley.PSKSource

	Clock      schedule.Clock
	Tracer     session.Tracer
	Controller session.Controller
	Logger     *zap.Logger

	Phase1       Phase1Handler
	Phase1Needed Phase1NeededFunc
}

// Engine IKEv1 快速模式引擎
// 除 Submit 外所有方法只能在 Run 所在的 goroutine 中调用
type Engine struct {
	cfg   Config
	log   *zap.Logger
	sched *schedule.Scheduler
	reg   *session.Registry
	cache *recvcache.Cache
	kern  kernel.Kernel
	out   recvcache.Sender

	peers  *policy.PeerTable
	sainfo *policy.SAInfoTable
	spd    *policy.SPD
	psk    oakley.PSKSource

	phase1       Phase1Handler
	phase1Needed Phase1NeededFunc

	seq       uint32
	nextReqID uint32
	// generated 响应方由对端 ID 生成并已安装的策略，按入站 spid 归组
	generated map[uint32][]*policy.SPDEntry
	frags     map[isakmp.Index]*isakmp.Reassembler

	calls chan func()
}

func New(cfg Config, d Deps) (*Engine, error) {
	if d.Kernel == nil {
		return nil, errors.New("缺少内核接口")
	}
	if d.Sender == nil {
		return nil, errors.New("缺少发送接口")
	}
	cfg.normalize()

	e := &Engine{
		cfg:          cfg,
		log:          logger.OrNamed(d.Logger, "engine"),
		sched:        schedule.New(d.Clock),
		kern:         d.Kernel,
		out:          d.Sender,
		peers:        d.Peers,
		sainfo:       d.SAInfo,
		spd:          d.SPD,
		psk:          d.PSK,
		phase1:       d.Phase1,
		phase1Needed: d.Phase1Needed,
		nextReqID:    0x4000,
		generated:    make(map[uint32][]*policy.SPDEntry),
		frags:        make(map[isakmp.Index]*isakmp.Reassembler),
		calls:        make(chan func(), 16),
	}
	if e.peers == nil {
		e.peers = policy.NewPeerTable()
	}
	if e.sainfo == nil {
		e.sainfo = policy.NewSAInfoTable()
	}
	if e.spd == nil {
		e.spd = policy.NewSPD()
	}

	opts := []session.Option{
		session.WithNotifier(e),
		session.WithPhase2Release(e.releasePhase2),
		session.WithLogger(e.log.Named("session")),
	}
	if d.Tracer != nil {
		opts = append(opts, session.WithTracer(d.Tracer))
	}
	if d.Controller != nil {
		opts = append(opts, session.WithController(d.Controller))
	}
	e.reg = session.NewRegistry(e.sched, opts...)
	e.cache = recvcache.New(cfg.cacheConfig(), e.sched, e.out, e.log.Named("recvcache"))
	return e, nil
}

func (e *Engine) Registry() *session.Registry    { return e.reg }
func (e *Engine) Scheduler() *schedule.Scheduler { return e.sched }
func (e *Engine) Cache() *recvcache.Cache        { return e.cache }
func (e *Engine) SPD() *policy.SPD               { return e.spd }
func (e *Engine) Config() Config                 { return e.cfg }

// Submit 把操作交给事件循环执行，可在任意 goroutine 调用
func (e *Engine) Submit(ctx context.Context, fn func()) error {
	select {
	case e.calls <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// 没有定时事件时的最长等待
const idleWait = time.Minute

// Run 单线程事件循环：收包、内核事件、定时事件依次处理，互不并发
func (e *Engine) Run(ctx context.Context, packets <-chan transport.Packet) error {
	e.cache.Start()
	defer e.cache.Stop()

	events := e.kern.Events()
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	e.log.Info("引擎已启动")
	for {
		e.sched.RunDue()

		wait := idleWait
		if next, ok := e.sched.Next(); ok {
			wait = next.Sub(e.sched.Now())
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			e.log.Info("引擎退出", logger.Err(ctx.Err()))
			return ctx.Err()
		case pkt, ok := <-packets:
			if !ok {
				return transport.ErrClosed
			}
			e.HandlePacket(pkt)
		case ev, ok := <-events:
			if !ok {
				e.log.Warn("内核事件通道已关闭")
				events = nil
				continue
			}
			e.HandleKernelEvent(ev)
		case fn := <-e.calls:
			fn()
		case <-timer.C:
		}
	}
}

// Shutdown 向对端发送 Delete 并拆除全部句柄
func (e *Engine) Shutdown() error {
	_, err2 := e.reg.DeleteAllPhase2()
	_, err1 := e.reg.DeleteAllPhase1()
	e.cache.Stop()
	if err2 != nil {
		return err2
	}
	return err1
}

// Wake 主机从睡眠中唤醒，在事件循环中清理睡眠期间到期的句柄
// sleptAt 为进入睡眠的时刻，可在任意 goroutine 调用
func (e *Engine) Wake(ctx context.Context, sleptAt time.Time) error {
	return e.Submit(ctx, func() { e.wake(sleptAt) })
}

func (e *Engine) wake(sleptAt time.Time) int {
	n := e.reg.SweepSleepWake(sleptAt)
	e.log.Info("主机已唤醒",
		logger.Time("slept_at", sleptAt),
		logger.Duration("slept", e.sched.Now().Sub(sleptAt)),
		logger.Int("expired", n))
	return n
}

// send 发送到阶段一的对端，NAT-T 端口上加 Non-ESP Marker
func (e *Engine) send(ph1 *session.Phase1, raw []byte) error {
	return e.out.SendTo(ph1.Local, ph1.Remote, transport.AddMarker(raw, ph1.MarkerLen))
}

// HandlePacket 处理一个收到的 ISAKMP 报文
func (e *Engine) HandlePacket(pkt transport.Packet) {
	switch e.cache.Check(pkt.Remote, pkt.Local, pkt.Data) {
	case recvcache.Handled:
		return
	case recvcache.Mismatch:
		e.log.Debug("重传缓存地址不符，按新报文处理", logger.Stringer("remote", pkt.Remote))
	}

	p, err := isakmp.DecodePacket(pkt.Data)
	if err != nil {
		e.log.Debug("丢弃无法解析的报文", logger.Stringer("remote", pkt.Remote), logger.Err(err))
		return
	}
	if p.Header.NextPayload == isakmp.FRAG && !p.Encrypted() {
		full, ok := e.reassemble(p)
		if !ok {
			return
		}
		pkt.Data = full
		e.HandlePacket(pkt)
		return
	}

	switch p.Header.ExchangeType {
	case isakmp.ExchangeQuick:
		e.handleQuick(p, pkt)
	case isakmp.ExchangeInformation:
		e.handleInformational(p, pkt)
	case isakmp.ExchangeIdentProt, isakmp.ExchangeAggressive, isakmp.ExchangeBase:
		if e.phase1 == nil {
			e.log.Debug("没有阶段一处理器，丢弃报文",
				logger.Stringer("remote", pkt.Remote),
				logger.Stringer("exchange", p.Header.ExchangeType))
			return
		}
		e.phase1.HandlePhase1(p, pkt.Local, pkt.Remote)
	default:
		e.log.Debug("不支持的交换类型",
			logger.Stringer("remote", pkt.Remote),
			logger.Uint8("exchange", uint8(p.Header.ExchangeType)))
	}
}

func (e *Engine) reassemble(p *isakmp.Packet) ([]byte, bool) {
	chain, err := isakmp.DecodeChain(p.Header.NextPayload, p.Body)
	if err != nil || len(chain) != 1 {
		e.log.Debug("分片报文格式错误", logger.Err(err))
		return nil, false
	}
	f, ok := chain[0].Payload.(*isakmp.PayloadFrag)
	if !ok {
		return nil, false
	}
	r := e.frags[p.Header.Index]
	if r == nil {
		r = isakmp.NewReassembler()
		e.frags[p.Header.Index] = r
	}
	full, done, err := r.Add(f)
	if err != nil {
		e.log.Debug("分片重组失败", logger.Stringer("index", p.Header.Index), logger.Err(err))
		delete(e.frags, p.Header.Index)
		return nil, false
	}
	if !done {
		return nil, false
	}
	delete(e.frags, p.Header.Index)
	return full, true
}

// handleQuick 按 (cookie 对, M-ID) 找到阶段二并交给对应状态的处理函数
func (e *Engine) handleQuick(p *isakmp.Packet, pkt transport.Packet) {
	h := p.Header
	ph1, ok := e.reg.FindPhase1ByIndex(nil, h.Index)
	if !ok || !ph1.Established() {
		e.log.Warn("没有已建立的 ISAKMP SA，无法开始快速模式",
			logger.Stringer("remote", pkt.Remote),
			logger.Stringer("index", h.Index))
		return
	}
	if h.MessageID == 0 {
		e.log.Warn("快速模式 M-ID 为 0", logger.Stringer("remote", pkt.Remote))
		return
	}

	ph2, ok := e.reg.FindPhase2ByMsgID(ph1, h.MessageID)
	if !ok {
		e.respond(ph1, p)
		return
	}

	var err error
	msgNum := 0
	switch {
	case ph2.Initiator && ph2.Status == session.Ph2Commit:
		msgNum = 4
		err = e.i3recv(ph2, p)
		// 已通过校验但安装失败的协商无法继续
		if err != nil && ph2.Status == session.Ph2AddSA {
			e.report(ph1, ph2, isakmp.ExchangeQuick, msgNum, true, err)
			_ = e.reg.ExpirePhase2(ph2, false)
			return
		}
	case ph2.Initiator:
		msgNum = 2
		err = e.i2recv(ph2, p)
		if err == nil {
			e.report(ph1, ph2, isakmp.ExchangeQuick, 2, true, nil)
			err = e.i2send(ph2)
			e.report(ph1, ph2, isakmp.ExchangeQuick, 3, false, err)
			if err != nil {
				_ = e.reg.ExpirePhase2(ph2, false)
			}
			return
		}
	default:
		msgNum = 3
		err = e.r3recv(ph2, p)
		if err == nil {
			e.report(ph1, ph2, isakmp.ExchangeQuick, 3, true, nil)
			err = e.responderFinish(ph2)
			e.report(ph1, ph2, isakmp.ExchangeQuick, 4, false, err)
			if err != nil {
				_ = e.reg.ExpirePhase2(ph2, false)
			}
			return
		}
	}
	e.report(ph1, ph2, isakmp.ExchangeQuick, msgNum, true, err)
}

// respond 响应方收到新 M-ID 的快速模式首包
func (e *Engine) respond(ph1 *session.Phase1, p *isakmp.Packet) {
	ph2 := e.reg.NewPhase2(ph1.Session)
	ph2.Local, ph2.Remote = ph1.Local, ph1.Remote
	ph2.MsgID = p.Header.MessageID
	if err := e.reg.Bind(ph2, ph1); err != nil {
		e.reg.RemovePhase2(ph2)
		e.log.Error("绑定阶段二失败", logger.Err(err))
		return
	}

	err := e.r1recv(ph2, p)
	e.report(ph1, ph2, isakmp.ExchangeQuick, 1, true, err)
	if err != nil {
		e.reg.RemovePhase2(ph2)
		return
	}
	if err := e.r1prep(ph2); err != nil {
		e.report(ph1, ph2, isakmp.ExchangeQuick, 2, false, err)
		_ = e.reg.ExpirePhase2(ph2, false)
	}
}

// report 记录结果并发出跟踪事件；收到的消息校验失败时通知对端
func (e *Engine) report(ph1 *session.Phase1, ph2 *session.Phase2, exch isakmp.ExchangeType, msgNum int, rx bool, err error) {
	if errors.Is(err, ErrNothingToDo) {
		return
	}
	var s *session.IkeSession
	if ph1 != nil {
		s = ph1.Session
	}
	ev := session.Event{Exchange: exch, MsgNum: msgNum}
	switch {
	case err == nil && rx:
		ev.Code = session.PacketRxSucc
	case err == nil:
		ev.Code = session.PacketTxSucc
	case rx:
		ev.Code, ev.Reason = session.PacketRxFail, err.Error()
	default:
		ev.Code, ev.Reason = session.PacketTxFail, err.Error()
	}
	e.reg.Trace(s, ev)
	if err == nil {
		return
	}

	fields := []zap.Field{
		logger.Stringer("exchange", exch),
		logger.Int("msg", msgNum),
		logger.Err(err),
	}
	if ph1 != nil {
		fields = append(fields, logger.Stringer("remote", ph1.Remote))
	}
	if ph2 != nil {
		fields = append(fields, logger.Uint32("msgid", ph2.MsgID), logger.Stringer("status", ph2.Status))
	}
	e.log.Error("处理失败", fields...)

	code := CodeOf(err)
	if !rx || code == isakmp.InternalError || ph1 == nil || !ph1.Established() {
		return
	}
	proto, spi := isakmp.ProtoISAKMP, ph1.Index.Bytes()
	if ph2 != nil {
		if ps := ownProto(ph2); ps != nil && ps.SPI != 0 {
			proto, spi = ps.Protocol, oakley.SPIBytes(ps.SPI)
		}
	}
	if nerr := e.sendNotify(ph1, code, proto, spi, nil); nerr != nil {
		e.log.Warn("发送错误通知失败", logger.Stringer("code", code), logger.Err(nerr))
	}
}

// ownProto 阶段二首个协议 (批准前取本端提议)
func ownProto(ph2 *session.Phase2) *policy.ProtoSpec {
	if ph2.Approval != nil && len(ph2.Approval.Protos) > 0 {
		return ph2.Approval.Protos[0]
	}
	if len(ph2.Proposal) > 0 && len(ph2.Proposal[0].Protos) > 0 {
		return ph2.Proposal[0].Protos[0]
	}
	return nil
}
