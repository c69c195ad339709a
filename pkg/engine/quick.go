package engine

import (
	"bytes"
	"net/netip"
	"time"

	"go.uber.org/multierr"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/kernel"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/policy"
	"github.com/iniwex5/isakmp-go/pkg/session"
)

// qmPayloads 快速模式消息中 HASH 之后的载荷
type qmPayloads struct {
	sa       *isakmp.PayloadSA
	saPos    int
	nonce    []byte
	ke       []byte
	ids      []*isakmp.PayloadID
	idPos    []int
	natoa    []netip.Addr
	notifies []*isakmp.PayloadNotify
}

func parseQuick(chain isakmp.Chain) (*qmPayloads, error) {
	q := &qmPayloads{}
	for i, en := range chain {
		if i == 0 {
			continue
		}
		switch pl := en.Payload.(type) {
		case *isakmp.PayloadSA:
			if q.sa != nil {
				return nil, notifyf(isakmp.PayloadMalformed, "重复的 SA 载荷")
			}
			q.sa, q.saPos = pl, i
		case *isakmp.PayloadNonce:
			if q.nonce != nil {
				return nil, notifyf(isakmp.PayloadMalformed, "重复的 Nonce 载荷")
			}
			if n := len(pl.NonceData); n < 8 || n > 256 {
				return nil, notifyf(isakmp.PayloadMalformed, "Nonce 长度 %d 非法", n)
			}
			q.nonce = pl.NonceData
		case *isakmp.PayloadKE:
			if q.ke != nil {
				return nil, notifyf(isakmp.PayloadMalformed, "重复的 KE 载荷")
			}
			q.ke = pl.KEData
		case *isakmp.PayloadID:
			if len(q.ids) == 2 {
				return nil, notifyf(isakmp.InvalidIDInformation, "ID 载荷多于两个")
			}
			q.ids = append(q.ids, pl)
			q.idPos = append(q.idPos, i)
		case *isakmp.PayloadNATOA:
			if len(q.natoa) == 2 {
				return nil, notifyf(isakmp.PayloadMalformed, "NAT-OA 载荷多于两个")
			}
			q.natoa = append(q.natoa, pl.Addr)
		case *isakmp.PayloadNotify:
			q.notifies = append(q.notifies, pl)
		case *isakmp.PayloadVendorID:
		default:
			return nil, notifyf(isakmp.InvalidPayloadType, "快速模式中不应出现 %s 载荷", en.Type())
		}
	}
	if len(q.ids) == 1 {
		return nil, notifyf(isakmp.InvalidIDInformation, "只收到一个 ID 载荷")
	}
	return q, nil
}

// idMatch 类型与数据必须一致，协议与端口为 0 视为通配
func idMatch(sent, got *isakmp.PayloadID) bool {
	if sent == nil || got == nil {
		return sent == got
	}
	if sent.IDType != got.IDType {
		return false
	}
	if sent.ProtocolID != got.ProtocolID && sent.ProtocolID != 0 && got.ProtocolID != 0 {
		return false
	}
	if sent.Port != got.Port && sent.Port != 0 && got.Port != 0 {
		return false
	}
	return bytes.Equal(sent.Data, got.Data)
}

func hostPrefix(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen())
}

// hostID 省略 ID 时以阶段一地址代替
func hostID(addr netip.Addr) *isakmp.PayloadID {
	return isakmp.IDFromPrefix(hostPrefix(addr), 0, 0)
}

// needIDs 主机到主机的传输模式、且端点即阶段一地址时可省略 ID
func needIDs(ph1 *session.Phase1, sp *policy.SPDEntry) bool {
	if !sp.Transport() || sp.ULProto != 0 || sp.SrcPort != 0 || sp.DstPort != 0 {
		return true
	}
	local, remote := sp.IDs()
	return !local.Equal(hostID(ph1.Local.Addr())) || !remote.Equal(hostID(ph1.Remote.Addr()))
}

// natMode NAT 后使用 UDP 封装模式
func natMode(m isakmp.EncapMode, nat bool) isakmp.EncapMode {
	if !nat {
		return m
	}
	switch m {
	case isakmp.EncapTunnel:
		return isakmp.EncapUDPTunnel
	case isakmp.EncapTransport:
		return isakmp.EncapUDPTransport
	}
	return m
}

func natRequests(reqs []policy.Request, nat bool) []policy.Request {
	out := make([]policy.Request, len(reqs))
	for i, r := range reqs {
		r.Mode = natMode(r.Mode, nat)
		out[i] = r
	}
	return out
}

// natOA 传输模式穿越 NAT 时需要原始地址
func natOA(ph1 *session.Phase1, p *policy.Proposal) bool {
	return ph1.NATDetected && len(p.Protos) > 0 && p.Protos[0].Mode.IsTransport()
}

func newDH(group uint16) (*crypto.DiffieHellman, error) {
	dh, err := crypto.NewDiffieHellman(group)
	if err != nil {
		return nil, err
	}
	if err := dh.GenerateKey(); err != nil {
		return nil, err
	}
	return dh, nil
}

// parent 阶段二所属的已建立阶段一
func (e *Engine) parent(ph2 *session.Phase2) (*session.Phase1, error) {
	ph1, ok := e.reg.ParentOf(ph2)
	if !ok {
		return nil, notifyf(isakmp.InternalError, "阶段二没有绑定阶段一")
	}
	if !ph1.Established() || ph1.Keys == nil {
		return nil, notifyf(isakmp.InternalError, "阶段一尚未建立")
	}
	return ph1, nil
}

func (e *Engine) nextSeq() uint32 {
	e.seq++
	if e.seq == 0 {
		e.seq = 1
	}
	return e.seq
}

func (e *Engine) allocReqID() uint32 {
	id := e.nextReqID
	e.nextReqID++
	return id
}

// getSPI 为每个协议向内核申请入站 SPI，结果通过 spi_ready 事件返回
func (e *Engine) getSPI(ph2 *session.Phase2, protos []*policy.ProtoSpec) error {
	for _, ps := range protos {
		err := e.kern.GetSPI(kernel.SPIRequest{
			Seq:   ph2.Seq,
			Src:   ph2.Remote.Addr(),
			Dst:   ph2.Local.Addr(),
			Proto: ps.Protocol,
			Mode:  ps.Mode,
			ReqID: ps.ReqID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// keymat 计算每个协议两个方向的 KEYMAT
func keymat(ph1 *session.Phase1, ph2 *session.Phase2) ([]session.Keymat, error) {
	var out []session.Keymat
	for _, ps := range ph2.Approval.Protos {
		bits, err := ps.KeyBits()
		if err != nil {
			return nil, err
		}
		in, o, err := oakley.KeymatPair(ph1.Keys.PRF, ph1.Keys.SKEYIDd, oakley.KeymatInput{
			GXY:       ph2.GXY,
			Protocol:  ps.Protocol,
			Initiator: ph2.Initiator,
			OwnNonce:  ph2.Nonce,
			PeerNonce: ph2.NoncePeer,
			Bits:      bits,
		}, oakley.SPIBytes(ps.SPI), oakley.SPIBytes(ps.SPIPeer))
		if err != nil {
			for _, k := range out {
				crypto.Zero(k.In)
				crypto.Zero(k.Out)
			}
			return nil, err
		}
		out = append(out, session.Keymat{Protocol: ps.Protocol, In: in, Out: o})
	}
	return out, nil
}

func lifetimeOf(p *policy.Proposal) time.Duration {
	if p.Lifetime <= 0 {
		return policy.DefaultLifetime
	}
	return p.Lifetime
}

// kernelSAs 每个协议一对 (入站, 出站)
func kernelSAs(ph2 *session.Phase2) ([][2]*kernel.SA, error) {
	ap := ph2.Approval
	local, remote := ph2.Local, ph2.Remote
	var out [][2]*kernel.SA
	for _, ps := range ap.Protos {
		t, ok := ps.Chosen()
		if !ok {
			return nil, notifyf(isakmp.InternalError, "协议 %s 没有唯一变换", ps.Protocol)
		}
		km := ph2.Keymat(ps.Protocol)
		if km == nil {
			return nil, notifyf(isakmp.InternalError, "协议 %s 缺少 KEYMAT", ps.Protocol)
		}
		in := &kernel.SA{
			Src:       remote.Addr(),
			Dst:       local.Addr(),
			Proto:     ps.Protocol,
			SPI:       ps.SPI,
			Mode:      ps.Mode,
			ReqID:     ps.ReqID,
			Transform: t,
			Key:       km.In,
			Lifetime:  lifetimeOf(ap),
			Lifebyte:  ap.Lifebyte / 1024,
		}
		o := *in
		o.Src, o.Dst = local.Addr(), remote.Addr()
		o.SPI, o.Key = ps.SPIPeer, km.Out
		if ps.Mode.IsUDP() {
			in.EncapSrcPort, in.EncapDstPort = remote.Port(), local.Port()
			o.EncapSrcPort, o.EncapDstPort = local.Port(), remote.Port()
		}
		out = append(out, [2]*kernel.SA{in, &o})
	}
	return out, nil
}

// generatedPolicies 生成的入站策略及对应的 fwd/out
func generatedPolicies(in *policy.SPDEntry) []*policy.SPDEntry {
	in.Generated = true
	list := []*policy.SPDEntry{in}
	if !in.Transport() {
		fwd := *in
		fwd.Dir = policy.DirFwd
		fwd.Requests = append([]policy.Request(nil), in.Requests...)
		list = append(list, &fwd)
	}
	return append(list, in.Reverse())
}

// install 在一个事务中安装全部 SA 与生成的策略，然后标记建立
func (e *Engine) install(ph1 *session.Phase1, ph2 *session.Phase2) error {
	if ph2.Status != session.Ph2AddSA {
		return errState(session.Ph2AddSA, ph2.Status)
	}
	pairs, err := kernelSAs(ph2)
	if err != nil {
		return err
	}
	var gen []*policy.SPDEntry
	if ph2.Generated != nil {
		gen = generatedPolicies(ph2.Generated)
	}

	tx := kernel.Begin(e.kern)
	err = func() error {
		for _, pair := range pairs {
			if err := tx.UpdateSA(pair[0]); err != nil {
				return err
			}
			if err := tx.AddSA(pair[1]); err != nil {
				return err
			}
		}
		for _, sp := range gen {
			if err := tx.AddPolicy(sp); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		return internal(err, "安装 IPsec SA 失败")
	}
	tx.Commit()

	if len(gen) > 0 {
		for _, sp := range gen {
			e.spd.Add(sp)
		}
		ph2.SPID = gen[0].ID
		e.generated[ph2.SPID] = gen
		ph2.Generated = nil
		e.log.Info("已安装由对端 ID 生成的策略", logger.Stringer("policy", gen[0]), logger.Uint32("spid", ph2.SPID))
	}
	e.establish(ph1, ph2)
	return nil
}

func (e *Engine) establish(ph1 *session.Phase1, ph2 *session.Phase2) {
	ap := ph2.Approval
	life := lifetimeOf(ap)

	ph2.Timers.Stop(session.EventTimeout)
	ph2.Timers.Stop(session.EventResend)
	ph2.SendBuf = nil
	ph2.Status = session.Ph2Established
	ph2.ExpireAt = e.sched.Now().Add(life)
	ph2.Timers.Set(session.EventExpire, life, func() {
		e.log.Info("IPsec SA 生命期到期", logger.Uint32("msgid", ph2.MsgID))
		_ = e.reg.ExpirePhase2(ph2, true)
	})
	e.reg.Trace(ph2.Session, session.Event{Code: session.Phase2Up, Exchange: isakmp.ExchangeQuick})

	for _, ps := range ap.Protos {
		t, _ := ps.Chosen()
		e.log.Info("IPsec SA 已建立",
			logger.Stringer("remote", ph1.Remote),
			logger.Stringer("proto", ps.Protocol),
			logger.Uint8("transform", t.ID),
			logger.Uint16("keylen", t.KeyLen),
			logger.Uint16("auth", t.AuthAlg),
			logger.Uint16("mode", uint16(ps.Mode)),
			logger.Hex("spi_in", oakley.SPIBytes(ps.SPI)),
			logger.Hex("spi_out", oakley.SPIBytes(ps.SPIPeer)),
			logger.Duration("lifetime", life),
			logger.Bool("pfs", ap.PFSGroup != 0))
	}
}

func (e *Engine) armResend(ph2 *session.Phase2) {
	ph2.Timers.Set(session.EventResend, e.cfg.RetryInterval, func() { e.resend(ph2) })
}

// resend 重发最后一条消息；次数用尽后放弃协商
func (e *Engine) resend(ph2 *session.Phase2) {
	ph1, ok := e.reg.ParentOf(ph2)
	if !ok || ph2.RetryCounter <= 0 || len(ph2.SendBuf) == 0 {
		e.log.Warn("快速模式重发次数用尽，放弃协商",
			logger.Uint32("msgid", ph2.MsgID),
			logger.Stringer("status", ph2.Status))
		e.reg.Trace(ph2.Session, session.Event{
			Code:     session.PacketTxFail,
			Exchange: isakmp.ExchangeQuick,
			Reason:   "重发次数用尽",
		})
		_ = e.reg.ExpirePhase2(ph2, false)
		return
	}
	if err := e.send(ph1, ph2.SendBuf); err != nil {
		e.log.Warn("重发失败", logger.Uint32("msgid", ph2.MsgID), logger.Err(err))
	}
	ph2.RetryCounter--
	e.log.Debug("重发快速模式消息",
		logger.Uint32("msgid", ph2.MsgID),
		logger.Stringer("status", ph2.Status),
		logger.Int("left", ph2.RetryCounter))
	e.armResend(ph2)
}

func (e *Engine) armTimeout(ph2 *session.Phase2) {
	ph2.Timers.Set(session.EventTimeout, e.cfg.Phase2Timeout, func() {
		if ph2.Established() {
			return
		}
		e.log.Warn("快速模式超时",
			logger.Uint32("msgid", ph2.MsgID),
			logger.Stringer("status", ph2.Status),
			logger.Bool("initiator", ph2.Initiator))
		e.reg.Trace(ph2.Session, session.Event{
			Code:     session.PacketRxFail,
			Exchange: isakmp.ExchangeQuick,
			Reason:   "协商超时",
		})
		_ = e.reg.ExpirePhase2(ph2, false)
	})
}

// commitIV 接收校验通过后推进 IV
func commitIV(ph2 *session.Phase2, next []byte) {
	ph2.IV = &oakley.IV{MsgID: ph2.IV.MsgID, Keep: next}
}
