package engine

import (
	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/policy"
	"github.com/iniwex5/isakmp-go/pkg/session"
)

// r1recv HDR*, HASH(1), SA, Ni [, KE] [, IDci, IDcr] [, NAT-OAi, NAT-OAr]
// 校验 HASH，查找策略并选择提议；失败时阶段二保持原状
func (e *Engine) r1recv(ph2 *session.Phase2, p *isakmp.Packet) error {
	if ph2.Status != session.Ph2Start {
		return errState(session.Ph2Start, ph2.Status)
	}
	ph1, err := e.parent(ph2)
	if err != nil {
		return err
	}
	iv, err := ph1.Keys.NewExchangeIV(p.Header.MessageID)
	if err != nil {
		return internal(err, "计算阶段二 IV")
	}
	chain, next, err := open(ph1, iv, p)
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
	if err := checkHash(hash, oakley.ComputeHash1(ph1.Keys.PRF, ph1.Keys.SKEYIDa, p.Header.MessageID, rest)); err != nil {
		return err
	}

	var idci, idcr *isakmp.PayloadID
	if len(q.ids) == 2 {
		if q.idPos[1] != q.idPos[0]+1 {
			e.log.Warn("IDci 之后不是 IDcr")
		}
		idci, idcr = q.ids[0], q.ids[1]
	}
	lookupCi, lookupCr := idci, idcr
	if idci == nil {
		lookupCi, lookupCr = hostID(ph1.Remote.Addr()), hostID(ph1.Local.Addr())
	}

	peerName := ""
	var peer *policy.PeerConfig
	if ph1.Peer != nil {
		peer = ph1.Peer
		peerName = peer.Name
	}
	sa, err := e.sainfo.Resolve(lookupCr, lookupCi, peerName)
	if err != nil {
		return notifyf(isakmp.NoProposalChosen, "%v", err)
	}

	peerProps, err := policy.DecodeSA(q.sa)
	if err != nil {
		return notifyf(isakmp.BadProposalSyntax, "%v", err)
	}
	if len(peerProps) == 0 {
		return notifyf(isakmp.BadProposalSyntax, "SA 中没有提议")
	}

	sp, gen, natID, err := e.lookupPolicy(ph1, peer, lookupCi, lookupCr, peerProps[0])
	if err != nil {
		return err
	}

	local, err := policy.BuildProposals(sa, natRequests(sp.Requests, ph1.NATDetected))
	if err != nil {
		return notifyf(isakmp.NoProposalChosen, "%v", err)
	}
	check := policy.LifetimeObey
	if peer != nil {
		check = peer.LifetimeCheck
	}
	sel, err := policy.Select(local, peerProps, check)
	if err != nil {
		return notifyf(isakmp.NoProposalChosen, "%v", err)
	}
	if (sel.Approval.PFSGroup != 0) != (q.ke != nil) {
		return notifyf(isakmp.NoProposalChosen, "PFS 与 KE 载荷不一致")
	}

	ph2.IV = &oakley.IV{MsgID: p.Header.MessageID, Keep: next}
	ph2.NoncePeer = q.nonce
	ph2.DHPeer = q.ke
	ph2.IDci, ph2.IDcr = idci, idcr
	if len(q.natoa) == 2 {
		ph2.NATOAi, ph2.NATOAr = q.natoa[0], q.natoa[1]
	}
	ph2.SAInfo = sa
	ph2.Approval = sel.Approval
	ph2.ClaimLifetime = sel.ClaimLifetime
	ph2.SPID = sp.ID
	ph2.Generated = gen
	ph2.Trigger = p.Raw
	ph2.Commit = e.cfg.UseCommitBit
	ph2.RetryCounter = ph1.RetryCounter
	if natID != nil {
		ph1.NATPeerID = natID
	}
	ph2.Status = session.Ph2Status2
	e.armTimeout(ph2)
	return nil
}

// lookupPolicy 查找入站策略；NAT 下再以外部身份重试，仍找不到时按对端配置生成
func (e *Engine) lookupPolicy(ph1 *session.Phase1, peer *policy.PeerConfig, idci, idcr *isakmp.PayloadID,
	first *policy.Proposal) (sp, gen *policy.SPDEntry, natID *isakmp.PayloadID, err error) {
	sp, err = e.spd.LookupIDs(idci, idcr)
	if err == nil {
		return sp, nil, nil, nil
	}
	if ph1.NATDetected {
		natID = ph1.NATPeerID
		if natID == nil {
			natID = isakmp.IDFromPrefix(hostPrefix(ph1.Remote.Addr()), idci.ProtocolID, idci.Port)
		}
		if sp, err = e.spd.LookupIDs(natID, idcr); err == nil {
			e.log.Debug("以 NAT 外部地址找到策略", logger.Stringer("id", natID))
			return sp, nil, natID, nil
		}
	}
	if peer == nil || peer.GeneratePolicy == policy.GenerateOff {
		return nil, nil, nil, notifyf(isakmp.NoProposalChosen, "找不到策略: %s -> %s", idci, idcr)
	}

	reqs := make([]policy.Request, 0, len(first.Protos))
	for _, ps := range first.Protos {
		r := policy.Request{Protocol: ps.Protocol, Mode: ps.Mode}
		if peer.GeneratePolicy == policy.GenerateUnique {
			r.ReqID = e.allocReqID()
		}
		reqs = append(reqs, r)
	}
	gen, err = policy.Generate(idci, idcr, ph1.Remote.Addr(), ph1.Local.Addr(), reqs)
	if err != nil {
		return nil, nil, nil, notifyf(isakmp.InvalidIDInformation, "%v", err)
	}
	e.log.Info("按对端 ID 生成策略", logger.Stringer("policy", gen))
	return gen, gen, nil, nil
}

// r1prep 为批准的协议申请 SPI
func (e *Engine) r1prep(ph2 *session.Phase2) error {
	if ph2.Status != session.Ph2Status2 {
		return errState(session.Ph2Status2, ph2.Status)
	}
	ph2.Seq = e.nextSeq()
	if err := e.getSPI(ph2, ph2.Approval.Protos); err != nil {
		ph2.Seq = 0
		return internal(err, "申请 SPI")
	}
	ph2.Status = session.Ph2GetSPISent
	return nil
}

// r2send HDR*, HASH(2), SA, Nr [, KE] [, IDci, IDcr] [, NAT-OA] [, N(RESPONDER-LIFETIME)]
func (e *Engine) r2send(ph2 *session.Phase2) error {
	if ph2.Status != session.Ph2GetSPIDone {
		return errState(session.Ph2GetSPIDone, ph2.Status)
	}
	ph1, err := e.parent(ph2)
	if err != nil {
		return err
	}
	ap := ph2.Approval

	nonce, err := crypto.RandomBytes(e.cfg.NonceSize)
	if err != nil {
		return internal(err, "生成 nonce")
	}
	payloads := []isakmp.Payload{policy.EncodeSA([]*policy.Proposal{ap}), &isakmp.PayloadNonce{NonceData: nonce}}

	var dh *crypto.DiffieHellman
	var gxy []byte
	if ap.PFSGroup != 0 {
		if dh, err = newDH(ap.PFSGroup); err != nil {
			return internal(err, "生成 PFS 密钥")
		}
		if gxy, err = dh.ComputeSharedSecret(ph2.DHPeer); err != nil {
			dh.Clear()
			return notifyf(isakmp.InvalidKeyInformation, "%v", err)
		}
		payloads = append(payloads, &isakmp.PayloadKE{KEData: dh.PublicKeyBytes()})
	}
	if ph2.IDci != nil {
		payloads = append(payloads, ph2.IDci, ph2.IDcr)
	}
	if natOA(ph1, ap) {
		payloads = append(payloads,
			&isakmp.PayloadNATOA{PType: isakmp.NATOA, Addr: ph1.Remote.Addr()},
			&isakmp.PayloadNATOA{PType: isakmp.NATOA, Addr: ph1.Local.Addr()})
	}
	if ph2.ClaimLifetime {
		data := policy.LifetimeAttributes(ap)
		for _, ps := range ap.Protos {
			payloads = append(payloads, &isakmp.PayloadNotify{
				DOI:        isakmp.DOIIPsec,
				ProtocolID: ps.Protocol,
				SPI:        oakley.SPIBytes(ps.SPI),
				NotifyType: isakmp.ResponderLifetime,
				NotifyData: data,
			})
		}
	}

	a, prf, msgID, ni := ph1.Keys.SKEYIDa, ph1.Keys.PRF, ph2.MsgID, ph2.NoncePeer
	all, err := withHash(func(rest []byte) []byte { return oakley.ComputeHash1(prf, a, msgID, ni, rest) }, payloads)
	if err != nil {
		dh.Clear()
		return err
	}
	var flags uint8
	if ph2.Commit {
		flags = isakmp.FlagCommit
	}
	raw, next, err := seal(ph1, ph2.IV, isakmp.ExchangeQuick, flags, all)
	if err != nil {
		dh.Clear()
		return internal(err, "加密第二条消息")
	}
	if err := e.send(ph1, raw); err != nil {
		dh.Clear()
		return internal(err, "发送第二条消息")
	}
	if err := e.cache.Add(ph2.Remote, ph2.Local, raw, ph2.Trigger, ph1.MarkerLen); err != nil {
		e.log.Warn("写入重传缓存失败", logger.Err(err))
	}

	ph2.IV = next
	ph2.Nonce, ph2.DH, ph2.GXY = nonce, dh, gxy
	ph2.SendBuf = raw
	ph2.Status = session.Ph2Msg1Sent
	e.armResend(ph2)
	return nil
}

// r3recv HDR*, HASH(3)
func (e *Engine) r3recv(ph2 *session.Phase2, p *isakmp.Packet) error {
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
	hash, _, err := splitHash(chain)
	if err != nil {
		return err
	}
	for _, en := range chain[1:] {
		if en.Type() != isakmp.VID {
			return notifyf(isakmp.InvalidPayloadType, "第三条消息中不应出现 %s 载荷", en.Type())
		}
	}
	want := oakley.ComputeHash3(ph1.Keys.PRF, ph1.Keys.SKEYIDa, ph2.MsgID, ph2.NoncePeer, ph2.Nonce)
	if err := checkHash(hash, want); err != nil {
		return err
	}

	commitIV(ph2, next)
	ph2.Timers.Stop(session.EventResend)
	ph2.SendBuf = nil
	ph2.Trigger = p.Raw
	if ph2.Commit {
		ph2.Status = session.Ph2Commit
	} else {
		ph2.Status = session.Ph2Status6
	}
	return nil
}

// responderFinish 第三条消息之后安装 SA；commit 时安装成功才回复 CONNECTED
func (e *Engine) responderFinish(ph2 *session.Phase2) error {
	commit := ph2.Status == session.Ph2Commit
	if err := e.r3prep(ph2); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	return e.r3send(ph2)
}

// r3send HDR*, HASH(4), N(CONNECTED)，在本端 SA 安装之后发送
func (e *Engine) r3send(ph2 *session.Phase2) error {
	if !ph2.Commit || ph2.Status != session.Ph2Established {
		return errState(session.Ph2Established, ph2.Status)
	}
	ph1, err := e.parent(ph2)
	if err != nil {
		return err
	}
	ps := ph2.Approval.Protos[0]
	n := &isakmp.PayloadNotify{
		DOI:        isakmp.DOIIPsec,
		ProtocolID: ps.Protocol,
		SPI:        oakley.SPIBytes(ps.SPI),
		NotifyType: isakmp.Connected,
	}
	a, prf, msgID := ph1.Keys.SKEYIDa, ph1.Keys.PRF, ph2.MsgID
	all, err := withHash(func(rest []byte) []byte { return oakley.ComputeHash1(prf, a, msgID, rest) }, []isakmp.Payload{n})
	if err != nil {
		return err
	}
	raw, next, err := seal(ph1, ph2.IV, isakmp.ExchangeQuick, 0, all)
	if err != nil {
		return internal(err, "加密 CONNECTED")
	}
	if err := e.send(ph1, raw); err != nil {
		return internal(err, "发送 CONNECTED")
	}
	if err := e.cache.Add(ph2.Remote, ph2.Local, raw, ph2.Trigger, ph1.MarkerLen); err != nil {
		e.log.Warn("写入重传缓存失败", logger.Err(err))
	}
	ph2.IV = next
	return nil
}

// r3prep 计算 KEYMAT 并安装 SA
func (e *Engine) r3prep(ph2 *session.Phase2) error {
	if ph2.Status != session.Ph2Status6 && ph2.Status != session.Ph2Commit {
		return errState(session.Ph2Status6, ph2.Status)
	}
	ph1, err := e.parent(ph2)
	if err != nil {
		return err
	}
	km, err := keymat(ph1, ph2)
	if err != nil {
		return internal(err, "计算 KEYMAT")
	}
	ph2.Keymats = km
	ph2.Status = session.Ph2AddSA
	return e.install(ph1, ph2)
}
