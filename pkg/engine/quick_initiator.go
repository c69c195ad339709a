package engine

import (
	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/policy"
	"github.com/iniwex5/isakmp-go/pkg/session"
)

// Initiate 在已建立的阶段一上为出站策略 spid 发起快速模式
func (e *Engine) Initiate(ph1 *session.Phase1, spid uint32) (*session.Phase2, error) {
	sp, ok := e.spd.Get(spid)
	if !ok {
		return nil, policy.ErrNoPolicy
	}
	if sp.Dir != policy.DirOut {
		return nil, notifyf(isakmp.InternalError, "策略 %d 不是出站策略", spid)
	}
	if !ph1.Established() {
		return nil, notifyf(isakmp.InternalError, "阶段一尚未建立")
	}
	peerName := ""
	if ph1.Peer != nil {
		peerName = ph1.Peer.Name
	}
	idl, idr := sp.IDs()
	sa, err := e.sainfo.Resolve(idl, idr, peerName)
	if err != nil {
		return nil, err
	}
	props, err := policy.BuildProposals(sa, natRequests(sp.Requests, ph1.NATDetected))
	if err != nil {
		return nil, err
	}

	ph2 := e.reg.NewPhase2(ph1.Session)
	ph2.Initiator = true
	ph2.Local, ph2.Remote = ph1.Local, ph1.Remote
	ph2.SPID = spid
	ph2.SAInfo = sa
	ph2.Proposal = props
	if needIDs(ph1, sp) {
		ph2.IDci, ph2.IDcr = idl, idr
	}
	if err := e.reg.Bind(ph2, ph1); err != nil {
		e.reg.RemovePhase2(ph2)
		return nil, err
	}
	if err := e.i1prep(ph2); err != nil {
		e.report(ph1, ph2, isakmp.ExchangeQuick, 1, false, err)
		e.reg.RemovePhase2(ph2)
		return nil, err
	}
	e.log.Info("开始快速模式",
		logger.Stringer("remote", ph1.Remote),
		logger.Stringer("policy", sp),
		logger.Uint32("msgid", ph2.MsgID))
	return ph2, nil
}

// i1prep 分配 M-ID 与 IV，申请 SPI
func (e *Engine) i1prep(ph2 *session.Phase2) error {
	if ph2.Status != session.Ph2Start {
		return errState(session.Ph2Start, ph2.Status)
	}
	ph1, err := e.parent(ph2)
	if err != nil {
		return err
	}
	if len(ph2.Proposal) == 0 {
		return notifyf(isakmp.InternalError, "没有本端提议")
	}
	msgID, err := e.reg.AllocMsgID(ph1)
	if err != nil {
		return internal(err, "分配 M-ID")
	}
	iv, err := ph1.Keys.NewExchangeIV(msgID)
	if err != nil {
		return internal(err, "计算阶段二 IV")
	}

	ph2.MsgID, ph2.IV, ph2.Seq = msgID, iv, e.nextSeq()
	if err := e.getSPI(ph2, ph2.Proposal[0].Protos); err != nil {
		ph2.MsgID, ph2.IV, ph2.Seq = 0, nil, 0
		return internal(err, "申请 SPI")
	}
	ph2.Status = session.Ph2GetSPISent
	e.armTimeout(ph2)
	return nil
}

// i1send HDR*, HASH(1), SA, Ni [, KE] [, IDci, IDcr] [, NAT-OAi, NAT-OAr]
func (e *Engine) i1send(ph2 *session.Phase2) error {
	if ph2.Status != session.Ph2GetSPIDone {
		return errState(session.Ph2GetSPIDone, ph2.Status)
	}
	ph1, err := e.parent(ph2)
	if err != nil {
		return err
	}
	prop := ph2.Proposal[0]

	nonce, err := crypto.RandomBytes(e.cfg.NonceSize)
	if err != nil {
		return internal(err, "生成 nonce")
	}
	payloads := []isakmp.Payload{policy.EncodeSA(ph2.Proposal), &isakmp.PayloadNonce{NonceData: nonce}}

	var dh *crypto.DiffieHellman
	if prop.PFSGroup != 0 {
		if dh, err = newDH(prop.PFSGroup); err != nil {
			return internal(err, "生成 PFS 密钥")
		}
		payloads = append(payloads, &isakmp.PayloadKE{KEData: dh.PublicKeyBytes()})
	}
	if ph2.IDci != nil {
		payloads = append(payloads, ph2.IDci, ph2.IDcr)
	}
	oai, oar := ph1.Local.Addr(), ph1.Remote.Addr()
	nat := natOA(ph1, prop)
	if nat {
		payloads = append(payloads,
			&isakmp.PayloadNATOA{PType: isakmp.NATOA, Addr: oai},
			&isakmp.PayloadNATOA{PType: isakmp.NATOA, Addr: oar})
	}

	a, prf, msgID := ph1.Keys.SKEYIDa, ph1.Keys.PRF, ph2.MsgID
	all, err := withHash(func(rest []byte) []byte { return oakley.ComputeHash1(prf, a, msgID, rest) }, payloads)
	if err != nil {
		dh.Clear()
		return err
	}
	raw, next, err := seal(ph1, ph2.IV, isakmp.ExchangeQuick, 0, all)
	if err != nil {
		dh.Clear()
		return internal(err, "加密第一条消息")
	}
	if err := e.send(ph1, raw); err != nil {
		dh.Clear()
		return internal(err, "发送第一条消息")
	}

	ph2.IV = next
	ph2.SendBuf = raw
	ph2.Nonce, ph2.DH = nonce, dh
	if nat {
		ph2.NATOAi, ph2.NATOAr = oai, oar
	}
	ph2.RetryCounter = ph1.RetryCounter
	ph2.Status = session.Ph2Msg1Sent
	e.armResend(ph2)
	return nil
}

// i2recv HDR*, HASH(2), SA, Nr [, KE] [, IDci, IDcr] [, NAT-OA] [, N]
// 校验全部通过后才修改阶段二
func (e *Engine) i2recv(ph2 *session.Phase2, p *isakmp.Packet) error {
	if ph2.Status != session.Ph2Msg1Sent {
		return errState(session.Ph2Msg1Sent, ph2.Status)
	}
	ph1, err := e.parent(ph2)
	if err != nil {
		return err
	}
	chain, next, err := open(ph1, ph2.IV, p)
	if err != nil {
		return err
	}
	hash, rest, err := splitHash(chain)
	if err != nil {
		return err
	}
	q, err := parseQuick(chain)
	if err != nil {
		return err
	}
	if q.sa == nil || q.nonce == nil {
		return notifyf(isakmp.PayloadMalformed, "缺少 SA 或 Nonce 载荷")
	}
	if q.saPos != 1 {
		e.log.Warn("SA 载荷不在 HASH 之后", logger.Int("pos", q.saPos))
	}

	if err := checkHash(hash, oakley.ComputeHash1(ph1.Keys.PRF, ph1.Keys.SKEYIDa, ph2.MsgID, ph2.Nonce, rest)); err != nil {
		return err
	}

	var natPeerID *isakmp.PayloadID
	switch {
	case ph2.IDci == nil:
		if len(q.ids) > 0 {
			e.log.Warn("对端返回了本端未发送的 ID，忽略")
		}
	case len(q.ids) == 0:
		return notifyf(isakmp.InvalidIDInformation, "对端没有返回 ID")
	default:
		ci, cr := q.ids[0], q.ids[1]
		if !idMatch(ph2.IDci, ci) || !idMatch(ph2.IDcr, cr) {
			if !ph1.NATDetected {
				return notifyf(isakmp.InvalidIDInformation, "返回的 ID 与发送的不一致: %s %s", ci, cr)
			}
			e.log.Warn("NAT 下返回的 ID 与发送的不一致",
				logger.Stringer("idci", ci),
				logger.Stringer("idcr", cr))
			natPeerID = cr
		}
	}

	reply, err := policy.DecodeSA(q.sa)
	if err != nil {
		return notifyf(isakmp.BadProposalSyntax, "%v", err)
	}
	ap, err := policy.CheckReply(ph2.Proposal, reply)
	if err != nil {
		return notifyf(isakmp.NoProposalChosen, "%v", err)
	}
	if (ap.PFSGroup != 0) != (q.ke != nil) {
		return notifyf(isakmp.NoProposalChosen, "PFS 与 KE 载荷不一致")
	}
	for _, n := range q.notifies {
		switch n.NotifyType {
		case isakmp.ResponderLifetime:
			if ap.Proto(n.ProtocolID) == nil {
				continue
			}
			if err := policy.ApplyResponderLifetime(ap, n.NotifyData); err != nil {
				return notifyf(isakmp.AttributesNotSupported, "%v", err)
			}
			e.log.Info("对端缩短了生命期",
				logger.Duration("lifetime", ap.Lifetime),
				logger.Uint64("lifebyte", ap.Lifebyte))
		default:
			e.log.Debug("忽略快速模式中的通知", logger.Stringer("type", n.NotifyType))
		}
	}

	var gxy []byte
	if ap.PFSGroup != 0 {
		if ph2.DH == nil {
			return notifyf(isakmp.InternalError, "没有 PFS 密钥")
		}
		if gxy, err = ph2.DH.ComputeSharedSecret(q.ke); err != nil {
			return notifyf(isakmp.InvalidKeyInformation, "%v", err)
		}
	}

	commitIV(ph2, next)
	ph2.Timers.Stop(session.EventResend)
	ph2.SendBuf = nil
	ph2.NoncePeer = q.nonce
	ph2.DHPeer, ph2.GXY = q.ke, gxy
	ph2.Approval = ap
	ph2.Commit = p.Header.Flags&isakmp.FlagCommit != 0
	ph2.Trigger = p.Raw
	if len(q.natoa) == 2 {
		ph2.NATOAi, ph2.NATOAr = q.natoa[0], q.natoa[1]
	}
	if natPeerID != nil {
		ph1.NATPeerID = natPeerID
	}
	ph2.Status = session.Ph2Status6
	return nil
}

// i2send HDR*, HASH(3)
// 对端要求 commit 时等待 CONNECTED，否则直接安装
func (e *Engine) i2send(ph2 *session.Phase2) error {
	if ph2.Status != session.Ph2Status6 {
		return errState(session.Ph2Status6, ph2.Status)
	}
	ph1, err := e.parent(ph2)
	if err != nil {
		return err
	}
	h := oakley.ComputeHash3(ph1.Keys.PRF, ph1.Keys.SKEYIDa, ph2.MsgID, ph2.Nonce, ph2.NoncePeer)
	var flags uint8
	if ph2.Commit {
		flags = isakmp.FlagCommit
	}
	raw, next, err := seal(ph1, ph2.IV, isakmp.ExchangeQuick, flags, []isakmp.Payload{&isakmp.PayloadHash{HashData: h}})
	if err != nil {
		return internal(err, "加密第三条消息")
	}
	km, err := keymat(ph1, ph2)
	if err != nil {
		return internal(err, "计算 KEYMAT")
	}
	if err := e.send(ph1, raw); err != nil {
		return internal(err, "发送第三条消息")
	}
	ph2.IV = next
	ph2.Keymats = km
	if err := e.cache.Add(ph2.Remote, ph2.Local, raw, ph2.Trigger, ph1.MarkerLen); err != nil {
		e.log.Warn("写入重传缓存失败", logger.Err(err))
	}

	if ph2.Commit {
		ph2.SendBuf = raw
		ph2.RetryCounter = ph1.RetryCounter
		ph2.Status = session.Ph2Commit
		e.armResend(ph2)
		return nil
	}
	ph2.Status = session.Ph2AddSA
	return e.install(ph1, ph2)
}

// i3recv HDR*, HASH(4), N(CONNECTED)
func (e *Engine) i3recv(ph2 *session.Phase2, p *isakmp.Packet) error {
	if ph2.Status != session.Ph2Commit {
		return errState(session.Ph2Commit, ph2.Status)
	}
	ph1, err := e.parent(ph2)
	if err != nil {
		return err
	}
	chain, next, err := open(ph1, ph2.IV, p)
	if err != nil {
		return err
	}
	hash, rest, err := splitHash(chain)
	if err != nil {
		return err
	}
	connected := false
	for _, en := range chain[1:] {
		switch pl := en.Payload.(type) {
		case *isakmp.PayloadNotify:
			if pl.NotifyType == isakmp.Connected {
				connected = true
			}
		case *isakmp.PayloadVendorID:
		default:
			return notifyf(isakmp.InvalidPayloadType, "第四条消息中不应出现 %s 载荷", en.Type())
		}
	}
	if !connected {
		return notifyf(isakmp.PayloadMalformed, "缺少 CONNECTED 通知")
	}
	if err := checkHash(hash, oakley.ComputeHash1(ph1.Keys.PRF, ph1.Keys.SKEYIDa, ph2.MsgID, rest)); err != nil {
		return err
	}

	commitIV(ph2, next)
	ph2.Timers.Stop(session.EventResend)
	ph2.Status = session.Ph2AddSA
	return e.install(ph1, ph2)
}
