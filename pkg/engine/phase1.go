package engine

import (
	"net/netip"

	"github.com/pkg/errors"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/session"
	"github.com/iniwex5/isakmp-go/pkg/transport"
)

// Phase1Params 外部完成的主模式/野蛮模式协商结果
type Phase1Params struct {
	Local, Remote netip.AddrPort
	Index         isakmp.Index
	Initiator     bool
	Exchange      isakmp.ExchangeType
	Approval      session.Phase1Approval

	Ni, Nr   []byte
	GXi, GXr []byte
	GXY      []byte

	OwnID  []byte
	PeerID []byte

	// LastIV 阶段一最后一条加密消息处理完后的 IV；野蛮模式等未加密的交换留空
	LastIV []byte

	NATDetected bool
}

// EstablishPhase1 派生 ISAKMP SA 密钥并登记为已建立，之后可在其上进行快速模式
func (e *Engine) EstablishPhase1(p *Phase1Params) (*session.Phase1, error) {
	peer, err := e.peers.Resolve(p.Remote)
	if err != nil {
		return nil, errors.Wrapf(err, "对端 %s 没有配置", p.Remote)
	}

	var psk []byte
	if p.Approval.AuthMethod.UsesPSK() {
		psk, err = oakley.ResolvePSK(e.psk, peer.PSK, p.Exchange, p.PeerID, p.Remote.Addr())
		if err != nil {
			return nil, err
		}
	}
	keys, err := oakley.DerivePhase1(&oakley.Phase1Input{
		Method:  p.Approval.AuthMethod,
		HashAlg: p.Approval.HashAlg,
		EncAlg:  p.Approval.EncAlg,
		KeyLen:  p.Approval.KeyLen,
		PSK:     psk,
		Ni:      p.Ni,
		Nr:      p.Nr,
		GXi:     p.GXi,
		GXr:     p.GXr,
		GXY:     p.GXY,
		Index:   p.Index,
		LastIV:  p.LastIV,
	})
	if err != nil {
		return nil, errors.Wrap(err, "派生阶段一密钥失败")
	}

	_, hadPrior := e.reg.FindPhase1ByAddrWithoutPort(nil, p.Local.Addr(), p.Remote.Addr())

	var s *session.IkeSession
	for _, x := range e.reg.Sessions() {
		if !x.Dead() && x.Local == p.Local && x.Remote == p.Remote {
			s = x
			break
		}
	}
	if s == nil {
		s = e.reg.NewSession(p.Initiator, p.Local, p.Remote)
	}

	ph1 := e.reg.NewPhase1(s)
	ph1.Index = p.Index
	ph1.Exchange = p.Exchange
	ph1.Initiator = p.Initiator
	ph1.Local, ph1.Remote = p.Local, p.Remote
	ph1.Peer = peer
	approval := p.Approval
	ph1.Approval = &approval
	ph1.Keys = keys
	ph1.Ni, ph1.Nr = p.Ni, p.Nr
	ph1.GXi, ph1.GXr, ph1.GXY = p.GXi, p.GXr, p.GXY
	ph1.OwnID, ph1.PeerID = p.OwnID, p.PeerID
	ph1.NATDetected = p.NATDetected
	if p.Local.Port() == transport.PortNATT || p.Remote.Port() == transport.PortNATT {
		ph1.MarkerLen = transport.MarkerLen
	}
	ph1.RetryCounter = e.cfg.RetryCounter
	if peer.RetryCounter > 0 {
		ph1.RetryCounter = peer.RetryCounter
	}

	life := approval.Lifetime
	if life <= 0 {
		life = e.cfg.Phase1Lifetime
	}
	ph1.ExpireAt = e.sched.Now().Add(life)
	ph1.Timers.Set(session.EventExpire, life, func() {
		e.log.Info("ISAKMP SA 生命期到期", logger.Stringer("remote", ph1.Remote), logger.Stringer("index", ph1.Index))
		_ = e.reg.ExpirePhase1(ph1, true)
	})

	if err := e.reg.EstablishPhase1(ph1); err != nil {
		e.log.Warn("替换旧的 ISAKMP SA 时出错", logger.Err(err))
	}
	e.log.Info("ISAKMP SA 已建立",
		logger.Stringer("remote", ph1.Remote),
		logger.Stringer("index", ph1.Index),
		logger.Stringer("exchange", ph1.Exchange),
		logger.Bool("initiator", ph1.Initiator),
		logger.Bool("nat", ph1.NATDetected),
		logger.Duration("lifetime", life))

	if ph1.Initiator && peer.InitialContact && !hadPrior {
		if err := e.sendInitialContact(ph1); err != nil {
			e.log.Warn("发送 INITIAL-CONTACT 失败", logger.Err(err))
		}
	}
	return ph1, nil
}
