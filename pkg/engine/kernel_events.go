package engine

import (
	"go.uber.org/multierr"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/kernel"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/policy"
	"github.com/iniwex5/isakmp-go/pkg/session"
)

// HandleKernelEvent 处理内核异步通知
func (e *Engine) HandleKernelEvent(ev kernel.Event) {
	e.log.Debug("内核事件", logger.Stringer("event", ev))
	switch ev.Kind {
	case kernel.EventSPIReady:
		e.spiReady(ev)
	case kernel.EventAcquire:
		e.acquire(ev)
	case kernel.EventExpire:
		e.expire(ev)
	default:
		e.log.Warn("未知的内核事件", logger.Int("kind", int(ev.Kind)))
	}
}

// spiReady 全部协议拿到 SPI 后发出下一条消息
func (e *Engine) spiReady(ev kernel.Event) {
	ph2, ok := e.reg.FindPhase2BySeq(ev.Seq)
	if !ok {
		e.log.Debug("spi_ready 找不到阶段二", logger.Uint32("seq", ev.Seq))
		return
	}
	if ph2.Status != session.Ph2GetSPISent {
		e.log.Debug("spi_ready 与状态不符",
			logger.Uint32("seq", ev.Seq),
			logger.Stringer("status", ph2.Status))
		return
	}

	var pending []*policy.ProtoSpec
	if ph2.Initiator {
		for _, p := range ph2.Proposal {
			if ps := p.Proto(ev.Proto); ps != nil {
				ps.SPI = ev.SPI
			}
		}
		pending = ph2.Proposal[0].Protos
	} else {
		if ps := ph2.Approval.Proto(ev.Proto); ps != nil {
			ps.SPI = ev.SPI
		}
		pending = ph2.Approval.Protos
	}
	for _, ps := range pending {
		if ps.SPI == 0 {
			return
		}
	}
	ph2.Status = session.Ph2GetSPIDone

	ph1, _ := e.reg.ParentOf(ph2)
	var err error
	msgNum := 1
	if ph2.Initiator {
		err = e.i1send(ph2)
	} else {
		msgNum = 2
		err = e.r2send(ph2)
	}
	e.report(ph1, ph2, isakmp.ExchangeQuick, msgNum, false, err)
	if err != nil {
		_ = e.reg.ExpirePhase2(ph2, false)
	}
}

// acquire 出站流量没有 SA，按策略发起协商
func (e *Engine) acquire(ev kernel.Event) {
	if e.cfg.Passive {
		e.log.Debug("被动模式，忽略 acquire", logger.Uint32("spid", ev.SPID))
		return
	}
	sp, ok := e.spd.Get(ev.SPID)
	if !ok {
		e.log.Warn("acquire 指向未知策略", logger.Uint32("spid", ev.SPID))
		return
	}
	if sp.Dir != policy.DirOut {
		e.log.Debug("忽略非出站策略的 acquire", logger.Stringer("policy", sp))
		return
	}
	if ph2, ok := e.reg.FindPhase2ByID(ev.Src, ev.Dst, ev.SPID); ok {
		e.log.Debug("该策略已有协商或 SA",
			logger.Uint32("spid", ev.SPID),
			logger.Stringer("status", ph2.Status))
		return
	}

	ph1, ok := e.reg.FindPhase1ByAddrWithoutPort(nil, ev.Src, ev.Dst)
	if !ok || !ph1.Established() {
		if e.phase1Needed == nil {
			e.log.Warn("没有到对端的 ISAKMP SA", logger.Stringer("remote", ev.Dst))
			return
		}
		e.log.Info("需要先建立阶段一",
			logger.Stringer("local", ev.Src),
			logger.Stringer("remote", ev.Dst),
			logger.Uint32("spid", ev.SPID))
		e.phase1Needed(ev.Src, ev.Dst, ev.SPID)
		return
	}
	if _, err := e.Initiate(ph1, ev.SPID); err != nil {
		e.log.Warn("发起快速模式失败", logger.Uint32("spid", ev.SPID), logger.Err(err))
	}
}

// expire 软过期时重协商，硬过期时删除
func (e *Engine) expire(ev kernel.Event) {
	ph2, ok := e.reg.FindPhase2BySPI(ev.Proto, ev.SPI, false)
	if !ok {
		ph2, ok = e.reg.FindPhase2BySPI(ev.Proto, ev.SPI, true)
	}
	if !ok {
		e.log.Debug("过期事件找不到 SA",
			logger.Stringer("proto", ev.Proto),
			logger.Uint32("spi", ev.SPI))
		return
	}
	if !ph2.Established() {
		return
	}

	if ev.Hard {
		e.log.Info("IPsec SA 硬过期",
			logger.Stringer("proto", ev.Proto),
			logger.Uint32("spi", ev.SPI),
			logger.Uint32("msgid", ph2.MsgID))
		_ = e.reg.ExpirePhase2(ph2, true)
		return
	}

	// 只有发起方重协商；同一策略已有进行中的协商时不再发起
	if !ph2.Initiator || e.cfg.Passive {
		return
	}
	for _, o := range e.reg.Phase2s(nil) {
		if o != ph2 && o.SPID == ph2.SPID && !o.Established() && !o.Dying() {
			e.log.Debug("重协商已在进行", logger.Uint32("spid", ph2.SPID))
			return
		}
	}
	ph1, ok := e.reg.ParentOf(ph2)
	if !ok || !ph1.Established() {
		if e.phase1Needed != nil {
			e.phase1Needed(ph2.Local.Addr(), ph2.Remote.Addr(), ph2.SPID)
		}
		return
	}
	e.log.Info("IPsec SA 软过期，开始重协商",
		logger.Stringer("proto", ev.Proto),
		logger.Uint32("spi", ev.SPI),
		logger.Uint32("spid", ph2.SPID))
	if _, err := e.Initiate(ph1, ph2.SPID); err != nil {
		e.log.Warn("重协商失败", logger.Uint32("spid", ph2.SPID), logger.Err(err))
	}
}

// releasePhase2 阶段二释放时删除内核中的 SA 与生成的策略
func (e *Engine) releasePhase2(ph2 *session.Phase2) {
	var protos []*policy.ProtoSpec
	switch {
	case ph2.Approval != nil:
		protos = ph2.Approval.Protos
	case len(ph2.Proposal) > 0:
		protos = ph2.Proposal[0].Protos
	}
	local, remote := ph2.Local.Addr(), ph2.Remote.Addr()

	var errs error
	for _, ps := range protos {
		if ps.SPI != 0 {
			errs = multierr.Append(errs, e.kern.DeleteSA(remote, local, ps.Protocol, ps.SPI))
		}
		// 有 KEYMAT 说明出站 SA 已安装
		if ps.SPIPeer != 0 && ph2.Keymat(ps.Protocol) != nil {
			errs = multierr.Append(errs, e.kern.DeleteSA(local, remote, ps.Protocol, ps.SPIPeer))
		}
	}
	ph2.ClearKeymat()

	if gen, ok := e.generated[ph2.SPID]; ok && ph2.SPID != 0 {
		shared := false
		for _, o := range e.reg.Phase2s(nil) {
			if o != ph2 && o.SPID == ph2.SPID && !o.Expired() {
				shared = true
				break
			}
		}
		if !shared {
			for _, sp := range gen {
				errs = multierr.Append(errs, e.kern.DeletePolicy(sp))
				e.spd.Delete(sp.ID)
			}
			delete(e.generated, ph2.SPID)
		}
	}

	if errs != nil {
		e.log.Warn("释放 IPsec SA 时出错",
			logger.Uint32("msgid", ph2.MsgID),
			logger.Stringer("remote", ph2.Remote),
			logger.Err(errs))
	}
}
