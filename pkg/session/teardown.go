package session

import (
	"errors"
	"net/netip"
	"time"

	"go.uber.org/multierr"

	"github.com/iniwex5/isakmp-go/pkg/logger"
)

// 睡眠唤醒后过期句柄的延迟删除时间
const purgeDelay = time.Second

// RemovePhase2 取消全部定时事件、解绑并释放句柄
func (r *Registry) RemovePhase2(p *Phase2) {
	slot := r.slot2(p)
	if slot == nil {
		return
	}
	p.Timers.StopAll()
	if r.onRemove2 != nil {
		r.onRemove2(p)
	}
	r.Unbind(p)
	s := p.Session
	for i, ref := range s.ph2 {
		if ref == p.ref {
			s.ph2 = append(s.ph2[:i], s.ph2[i+1:]...)
			break
		}
	}
	p.clear()
	slot.h = nil
	r.free2 = append(r.free2, p.ref.idx)
	r.maybeReap(s)
}

// RemovePhase1 释放阶段一；仍绑定的阶段二只解绑不删除
func (r *Registry) RemovePhase1(p *Phase1) {
	slot := r.slot1(p)
	if slot == nil {
		return
	}
	p.Timers.StopAll()
	for _, ref := range p.children {
		if c, ok := r.Phase2(ref); ok {
			c.Ph1 = Ph1Ref{}
		}
	}
	p.children = nil
	s := p.Session
	for i, ref := range s.ph1 {
		if ref == p.ref {
			s.ph1 = append(s.ph1[:i], s.ph1[i+1:]...)
			break
		}
	}
	p.clear()
	slot.h = nil
	r.free1 = append(r.free1, p.ref.idx)
	r.maybeReap(s)
}

func (r *Registry) slot1(p *Phase1) *ph1Slot {
	if p == nil || int(p.ref.idx) >= len(r.ph1) {
		return nil
	}
	slot := &r.ph1[p.ref.idx]
	if slot.gen != p.ref.gen || slot.h != p {
		return nil
	}
	return slot
}

func (r *Registry) slot2(p *Phase2) *ph2Slot {
	if p == nil || int(p.ref.idx) >= len(r.ph2) {
		return nil
	}
	slot := &r.ph2[p.ref.idx]
	if slot.gen != p.ref.gen || slot.h != p {
		return nil
	}
	return slot
}

// ExpirePhase2 置为过期并释放；只有已建立的才发送 Delete
func (r *Registry) ExpirePhase2(p *Phase2, sendDelete bool) error {
	if r.slot2(p) == nil {
		return nil
	}
	var err error
	if sendDelete && p.Established() {
		err = r.notifier.SendDeletePhase2(p)
		if err != nil {
			r.log.Warn("发送阶段二 Delete 失败", logger.Uint32("msgid", p.MsgID), logger.Err(err))
		}
	}
	wasUp := p.Established()
	p.dying = true
	p.Status = Ph2Expired
	if wasUp {
		r.tracer.Trace(p.Session, Event{Code: Phase2Down, Reason: "expired"})
	}
	r.RemovePhase2(p)
	return err
}

// ExpirePhase1 先级联过期所有绑定的阶段二 (不单独发送 Delete)，再处理阶段一
func (r *Registry) ExpirePhase1(p *Phase1, sendDelete bool) error {
	if r.slot1(p) == nil {
		return nil
	}
	p.dying = true
	for _, ref := range p.Children() {
		if c, ok := r.Phase2(ref); ok {
			_ = r.ExpirePhase2(c, false)
		}
	}
	var err error
	if sendDelete && p.Established() {
		err = r.notifier.SendDeletePhase1(p)
		if err != nil {
			r.log.Warn("发送阶段一 Delete 失败", logger.Stringer("index", p.Index), logger.Err(err))
		}
	}
	wasUp := p.Established()
	p.Status = Ph1Expired
	if wasUp {
		r.tracer.Trace(p.Session, Event{Code: Phase1Down, Reason: "expired"})
	}
	r.RemovePhase1(p)
	return err
}

// EstablishPhase1 标记阶段一建立
// 同一地址对上旧的已建立阶段一把子协商移交给新的之后过期
func (r *Registry) EstablishPhase1(p *Phase1) error {
	p.Status = Ph1Established
	r.tracer.Trace(p.Session, Event{Code: Phase1Up, Exchange: p.Exchange})

	var errs error
	for _, old := range r.allPhase1(p.Session) {
		if old == p || !old.Established() || old.dying {
			continue
		}
		if !sameAddrPort(old.Local, p.Local) || !sameAddrPort(old.Remote, p.Remote) {
			continue
		}
		if _, err := r.RebindPhase2(old, p); err != nil {
			errs = multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, r.ExpirePhase1(old, true))
	}
	return errs
}

// RebindPhase2 阶段一重协商后将已建立的子协商移到新的阶段一
func (r *Registry) RebindPhase2(from, to *Phase1) (int, error) {
	if from.Session != to.Session {
		return 0, errors.New("只能在同一会话内移交阶段二")
	}
	n := 0
	for _, ref := range from.Children() {
		c, ok := r.Phase2(ref)
		if !ok || c.dying || !c.Established() {
			continue
		}
		if err := r.Bind(c, to); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		r.log.Debug("阶段二已移交",
			logger.Stringer("from", from.Index),
			logger.Stringer("to", to.Index),
			logger.Int("count", n))
	}
	return n, nil
}

// teardownPhase1 批量拆除的共同规则
// 跳过正在销毁或已过期的；受保护的会话除非 override 否则跳过；
// 单个 Delete 发送失败不影响其余句柄
func (r *Registry) teardownPhase1(s *IkeSession, override bool, match func(*Phase1) bool) (int, error) {
	var errs error
	n := 0
	for _, p := range r.allPhase1(s) {
		if p.dying || p.Expired() {
			continue
		}
		if p.Session.IsAsserted && !override {
			continue
		}
		if match != nil && !match(p) {
			continue
		}
		errs = multierr.Append(errs, r.ExpirePhase1(p, true))
		n++
	}
	return n, errs
}

func (r *Registry) teardownPhase2(s *IkeSession, override bool, match func(*Phase2) bool) (int, error) {
	var errs error
	n := 0
	for _, p := range r.allPhase2(s) {
		if p.dying || p.Expired() {
			continue
		}
		if p.Session.IsAsserted && !override {
			continue
		}
		if match != nil && !match(p) {
			continue
		}
		errs = multierr.Append(errs, r.ExpirePhase2(p, true))
		n++
	}
	return n, errs
}

// FlushPhase1 拆除会话 (nil 为全部) 下的阶段一
func (r *Registry) FlushPhase1(s *IkeSession, ignoreAsserted bool) (int, error) {
	return r.teardownPhase1(s, ignoreAsserted, nil)
}

// FlushPhase2 拆除会话 (nil 为全部) 下的阶段二
func (r *Registry) FlushPhase2(s *IkeSession, ignoreAsserted bool) (int, error) {
	return r.teardownPhase2(s, ignoreAsserted, nil)
}

// DeleteAllPhase1 进程退出时拆除全部阶段一，包括受保护的会话
func (r *Registry) DeleteAllPhase1() (int, error) {
	return r.teardownPhase1(nil, true, nil)
}

func (r *Registry) DeleteAllPhase2() (int, error) {
	return r.teardownPhase2(nil, true, nil)
}

// PurgePhase2BySPID 策略删除时拆除对应的阶段二
func (r *Registry) PurgePhase2BySPID(spid uint32) (int, error) {
	return r.teardownPhase2(nil, true, func(p *Phase2) bool { return p.SPID == spid })
}

// PurgePhase1ByDstAddrWithoutPort 按对端地址 (忽略端口) 拆除阶段一
func (r *Registry) PurgePhase1ByDstAddrWithoutPort(remote netip.Addr) (int, error) {
	return r.teardownPhase1(nil, false, func(p *Phase1) bool {
		return p.Remote.Addr().Unmap() == remote.Unmap()
	})
}

func (r *Registry) PurgePhase2ByDstAddrWithoutPort(remote netip.Addr) (int, error) {
	return r.teardownPhase2(nil, false, func(p *Phase2) bool {
		return p.Remote.Addr().Unmap() == remote.Unmap()
	})
}

// ExpireSession 先过期全部阶段二 (由阶段一的 Delete 隐含)，再过期阶段一
func (r *Registry) ExpireSession(s *IkeSession) int {
	if s == nil || s.dead {
		return 0
	}
	n := 0
	for _, p := range r.allPhase2(s) {
		if p.dying {
			continue
		}
		_ = r.ExpirePhase2(p, false)
		n++
	}
	for _, p := range r.allPhase1(s) {
		if p.dying {
			continue
		}
		_ = r.ExpirePhase1(p, true)
		n++
	}
	r.log.Debug("会话已过期", logger.Uint64("session", s.ID), logger.Int("handles", n))
	return n
}

// StopSession 控制器要求停止会话
func (r *Registry) StopSession(s *IkeSession, reason StopReason) int {
	s.StoppedByController = reason == StopByController
	s.StopReason = reason
	return r.ExpireSession(s)
}

// SweepSleepWake 唤醒后处理睡眠期间本应过期的句柄
// sleptAt 为进入睡眠的时刻，之后才创建的句柄不受影响；
// 命中的句柄立即置为过期 (取消重协商/DPD 定时器) 并安排快速删除
func (r *Registry) SweepSleepWake(sleptAt time.Time) int {
	now := r.sched.Now()
	stale := func(created, at time.Time) bool {
		return !created.After(sleptAt) && !at.IsZero() && !at.After(now)
	}
	n := 0

	for _, p := range r.allPhase1(nil) {
		if p.Session.IsAsserted || p.dying || p.Expired() || !stale(p.Created, p.ExpireAt) {
			continue
		}
		p.Timers.StopAll()
		p.Status = Ph1Expired
		p.dying = true
		p.Timers.Set(EventPurge, purgeDelay, func() { _ = r.ExpirePhase1(p, false) })
		n++
	}

	for _, p := range r.allPhase2(nil) {
		if p.Session.IsAsserted || p.dying || p.Expired() || !stale(p.Created, p.ExpireAt) {
			continue
		}
		p.Timers.StopAll()
		p.Status = Ph2Expired
		p.dying = true
		p.Session.StopReason = StopBySleepWake
		r.controller.Stopped(p.Session, StopBySleepWake)
		p.Timers.Set(EventPurge, purgeDelay, func() { r.RemovePhase2(p) })
		n++
	}
	if n > 0 {
		r.log.Info("睡眠唤醒清理", logger.Time("slept_at", sleptAt), logger.Int("expired", n))
	}
	return n
}
