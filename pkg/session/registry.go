package session

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"go.uber.org/zap"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/schedule"
)

var ErrNotFound = errors.New("句柄不存在")

type ph1Slot struct {
	gen uint32
	h   *Phase1
}

type ph2Slot struct {
	gen uint32
	h   *Phase2
}

// Registry 全部会话与句柄的所有者
// 只在事件循环 goroutine 中使用
type Registry struct {
	sched      *schedule.Scheduler
	log        *zap.Logger
	notifier   Notifier
	controller Controller
	tracer     Tracer
	onRemove2  func(*Phase2)

	sessions   []*IkeSession
	nextSessID uint64

	ph1   []ph1Slot
	ph2   []ph2Slot
	free1 []uint32
	free2 []uint32
}

// Option 注册表选项
type Option func(*Registry)

func WithNotifier(n Notifier) Option     { return func(r *Registry) { r.notifier = n } }
func WithController(c Controller) Option { return func(r *Registry) { r.controller = c } }
func WithTracer(t Tracer) Option         { return func(r *Registry) { r.tracer = t } }
func WithLogger(l *zap.Logger) Option    { return func(r *Registry) { r.log = l } }

// WithPhase2Release 阶段二释放前回调 (删除内核 SA 等)
func WithPhase2Release(fn func(*Phase2)) Option {
	return func(r *Registry) { r.onRemove2 = fn }
}

func NewRegistry(sched *schedule.Scheduler, opts ...Option) *Registry {
	r := &Registry{
		sched:      sched,
		notifier:   nopNotifier{},
		controller: nopController{},
	}
	for _, o := range opts {
		o(r)
	}
	r.log = logger.OrNamed(r.log, "session")
	if r.tracer == nil {
		r.tracer = logTracer{l: r.log}
	}
	return r
}

func (r *Registry) Scheduler() *schedule.Scheduler { return r.sched }

// SetNotifier 引擎在构造完成后注入自身
func (r *Registry) SetNotifier(n Notifier) { r.notifier = n }

func (r *Registry) SetController(c Controller) { r.controller = c }

func (r *Registry) SetPhase2Release(fn func(*Phase2)) { r.onRemove2 = fn }

func (r *Registry) Trace(s *IkeSession, ev Event) { r.tracer.Trace(s, ev) }

// NewSession 创建会话
func (r *Registry) NewSession(isClient bool, local, remote netip.AddrPort) *IkeSession {
	r.nextSessID++
	s := &IkeSession{
		ID:       r.nextSessID,
		IsClient: isClient,
		Local:    local,
		Remote:   remote,
	}
	r.sessions = append(r.sessions, s)
	return s
}

// Sessions 按创建顺序返回
func (r *Registry) Sessions() []*IkeSession {
	return append([]*IkeSession(nil), r.sessions...)
}

// maybeReap 句柄集合为空且无外部引用时回收会话
func (r *Registry) maybeReap(s *IkeSession) {
	if s == nil || s.dead || !s.Empty() || s.refs > 0 {
		return
	}
	for i, x := range r.sessions {
		if x == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	s.dead = true
	r.log.Debug("会话已回收", logger.Uint64("session", s.ID))
}

// ReleaseSession 释放外部引用
func (r *Registry) ReleaseSession(s *IkeSession) {
	s.Release()
	r.maybeReap(s)
}

// NewPhase1 分配阶段一句柄并挂到会话下
func (r *Registry) NewPhase1(s *IkeSession) *Phase1 {
	if s == nil || s.dead {
		panic("session: 阶段一必须属于存活的会话")
	}
	var idx uint32
	if n := len(r.free1); n > 0 {
		idx = r.free1[n-1]
		r.free1 = r.free1[:n-1]
	} else {
		r.ph1 = append(r.ph1, ph1Slot{})
		idx = uint32(len(r.ph1) - 1)
	}
	slot := &r.ph1[idx]
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	p := &Phase1{
		ref:     Ph1Ref{idx: idx, gen: slot.gen},
		Session: s,
		Version: isakmp.Version1,
		Status:  Ph1Start,
		Created: r.sched.Now(),
		Timers:  newTimers(r.sched),
	}
	slot.h = p
	s.ph1 = append(s.ph1, p.ref)
	return p
}

// NewPhase2 分配阶段二句柄并挂到会话下
func (r *Registry) NewPhase2(s *IkeSession) *Phase2 {
	if s == nil || s.dead {
		panic("session: 阶段二必须属于存活的会话")
	}
	var idx uint32
	if n := len(r.free2); n > 0 {
		idx = r.free2[n-1]
		r.free2 = r.free2[:n-1]
	} else {
		r.ph2 = append(r.ph2, ph2Slot{})
		idx = uint32(len(r.ph2) - 1)
	}
	slot := &r.ph2[idx]
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	p := &Phase2{
		ref:     Ph2Ref{idx: idx, gen: slot.gen},
		Session: s,
		Status:  Ph2Start,
		Created: r.sched.Now(),
		Timers:  newTimers(r.sched),
	}
	slot.h = p
	s.ph2 = append(s.ph2, p.ref)
	return p
}

// Phase1 解析引用
func (r *Registry) Phase1(ref Ph1Ref) (*Phase1, bool) {
	if !ref.Valid() || int(ref.idx) >= len(r.ph1) {
		return nil, false
	}
	slot := r.ph1[ref.idx]
	if slot.gen != ref.gen || slot.h == nil {
		return nil, false
	}
	return slot.h, true
}

func (r *Registry) Phase2(ref Ph2Ref) (*Phase2, bool) {
	if !ref.Valid() || int(ref.idx) >= len(r.ph2) {
		return nil, false
	}
	slot := r.ph2[ref.idx]
	if slot.gen != ref.gen || slot.h == nil {
		return nil, false
	}
	return slot.h, true
}

// ParentOf 阶段二绑定的阶段一
func (r *Registry) ParentOf(ph2 *Phase2) (*Phase1, bool) {
	return r.Phase1(ph2.Ph1)
}

// Bind 将阶段二绑定到阶段一；两者必须属于同一会话
func (r *Registry) Bind(ph2 *Phase2, ph1 *Phase1) error {
	if ph2.Session != ph1.Session {
		return errors.New("阶段一与阶段二不属于同一会话")
	}
	r.Unbind(ph2)
	ph2.Ph1 = ph1.ref
	ph1.children = append(ph1.children, ph2.ref)
	return nil
}

func (r *Registry) Unbind(ph2 *Phase2) {
	if ph1, ok := r.Phase1(ph2.Ph1); ok {
		for i, c := range ph1.children {
			if c == ph2.ref {
				ph1.children = append(ph1.children[:i], ph1.children[i+1:]...)
				break
			}
		}
	}
	ph2.Ph1 = Ph1Ref{}
}

// allPhase1 按会话创建顺序、会话内插入顺序遍历
func (r *Registry) allPhase1(s *IkeSession) []*Phase1 {
	sessions := r.sessions
	if s != nil {
		sessions = []*IkeSession{s}
	}
	var out []*Phase1
	for _, sess := range sessions {
		for _, ref := range sess.ph1 {
			if p, ok := r.Phase1(ref); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

func (r *Registry) allPhase2(s *IkeSession) []*Phase2 {
	sessions := r.sessions
	if s != nil {
		sessions = []*IkeSession{s}
	}
	var out []*Phase2
	for _, sess := range sessions {
		for _, ref := range sess.ph2 {
			if p, ok := r.Phase2(ref); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// Phase1s 快照，遍历期间可安全修改注册表
func (r *Registry) Phase1s(s *IkeSession) []*Phase1 { return r.allPhase1(s) }
func (r *Registry) Phase2s(s *IkeSession) []*Phase2 { return r.allPhase2(s) }

// FindPhase1ByIndex 按 cookie 对精确查找，跳过已过期句柄
// s 为 nil 时在全部会话中查找，先匹配者胜出
func (r *Registry) FindPhase1ByIndex(s *IkeSession, idx isakmp.Index) (*Phase1, bool) {
	for _, p := range r.allPhase1(s) {
		if p.Expired() {
			continue
		}
		if p.Index.Equal(idx) {
			return p, true
		}
	}
	return nil, false
}

// FindPhase1ByInitiatorCookie 响应方收到首包时只有发起方 cookie
func (r *Registry) FindPhase1ByInitiatorCookie(s *IkeSession, ck isakmp.Cookie) (*Phase1, bool) {
	for _, p := range r.allPhase1(s) {
		if !p.Expired() && p.Index.I == ck {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) findPhase1(s *IkeSession, match func(*Phase1) bool) (*Phase1, bool) {
	var found *Phase1
	for _, p := range r.allPhase1(s) {
		if p.Expired() || p.dying || !match(p) {
			continue
		}
		if p.Established() {
			return p, true
		}
		if found == nil {
			found = p
		}
	}
	return found, found != nil
}

// FindPhase1ByAddr 地址与端口都要匹配；已建立的优先
func (r *Registry) FindPhase1ByAddr(s *IkeSession, local, remote netip.AddrPort) (*Phase1, bool) {
	return r.findPhase1(s, func(p *Phase1) bool {
		return sameAddrPort(p.Local, local) && sameAddrPort(p.Remote, remote)
	})
}

// FindPhase1ByAddrWithoutPort 阶段二只知道对端地址，不知道端口
func (r *Registry) FindPhase1ByAddrWithoutPort(s *IkeSession, local, remote netip.Addr) (*Phase1, bool) {
	return r.findPhase1(s, func(p *Phase1) bool {
		return (!local.IsValid() || p.Local.Addr().Unmap() == local.Unmap()) &&
			p.Remote.Addr().Unmap() == remote.Unmap()
	})
}

func sameAddrPort(a, b netip.AddrPort) bool {
	return a.Addr().Unmap() == b.Addr().Unmap() && a.Port() == b.Port()
}

// FindPhase2BySPID 按策略 ID 查找
func (r *Registry) FindPhase2BySPID(spid uint32) (*Phase2, bool) {
	for _, p := range r.allPhase2(nil) {
		if p.SPID == spid && !p.Expired() {
			return p, true
		}
	}
	return nil, false
}

// FindPhase2BySeq 按内核请求序号查找
func (r *Registry) FindPhase2BySeq(seq uint32) (*Phase2, bool) {
	for _, p := range r.allPhase2(nil) {
		if p.Seq == seq && !p.Expired() {
			return p, true
		}
	}
	return nil, false
}

// FindPhase2ByMsgID 在阶段一下按 M-ID 查找
func (r *Registry) FindPhase2ByMsgID(ph1 *Phase1, msgID uint32) (*Phase2, bool) {
	for _, ref := range ph1.children {
		if p, ok := r.Phase2(ref); ok && p.MsgID == msgID {
			return p, true
		}
	}
	return nil, false
}

// zombie 既未建立也未过期、重传次数用尽且没有任何待执行事件
func (p *Phase2) zombie() bool {
	return !p.Established() && !p.Expired() && p.RetryCounter == 0 && !p.Timers.Pending()
}

// FindPhase2ByID 按 (本端, 对端, spid) 查找
// 卡死的协商被强制过期并视为不存在，以免阻塞同一策略的新协商
func (r *Registry) FindPhase2ByID(local, remote netip.Addr, spid uint32) (*Phase2, bool) {
	for _, p := range r.allPhase2(nil) {
		if p.SPID != spid || p.Expired() || p.dying {
			continue
		}
		if p.Local.Addr().Unmap() != local.Unmap() || p.Remote.Addr().Unmap() != remote.Unmap() {
			continue
		}
		if p.zombie() {
			r.log.Warn("清理卡死的阶段二协商",
				logger.Uint32("spid", spid),
				logger.Uint32("msgid", p.MsgID),
				logger.Stringer("status", p.Status))
			r.ExpirePhase2(p, false)
			continue
		}
		return p, true
	}
	return nil, false
}

// FindPhase2BySPI 按 SPI 查找；peer 为 true 时匹配对端 SPI
func (r *Registry) FindPhase2BySPI(proto isakmp.ProtocolID, spi uint32, peer bool) (*Phase2, bool) {
	for _, p := range r.allPhase2(nil) {
		if p.Approval == nil || p.Expired() {
			continue
		}
		ps := p.Approval.Proto(proto)
		if ps == nil {
			continue
		}
		if (peer && ps.SPIPeer == spi) || (!peer && ps.SPI == spi) {
			return p, true
		}
	}
	return nil, false
}

// AllocMsgID 为阶段一下新的交换分配未使用的非零 M-ID
func (r *Registry) AllocMsgID(ph1 *Phase1) (uint32, error) {
	for i := 0; i < 16; i++ {
		b, err := crypto.RandomBytes(4)
		if err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(b)
		if id == 0 {
			continue
		}
		if _, used := r.FindPhase2ByMsgID(ph1, id); !used {
			return id, nil
		}
	}
	return 0, errors.New("无法分配 M-ID")
}
