package engine

import (
	"encoding/binary"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/session"
	"github.com/iniwex5/isakmp-go/pkg/transport"
)

var _ session.Notifier = (*Engine)(nil)

// sendInformational 以新的 M-ID 发送受 HASH(1) 保护的信息交换
// 阶段一没有密钥时明文发送
func (e *Engine) sendInformational(ph1 *session.Phase1, payloads ...isakmp.Payload) error {
	if ph1.Keys == nil || len(ph1.Keys.SKEYIDa) == 0 {
		m := isakmp.NewMessage()
		m.Header.Index = ph1.Index
		m.Header.ExchangeType = isakmp.ExchangeInformation
		m.Payloads = payloads
		raw, err := m.Encode()
		if err != nil {
			return err
		}
		return e.send(ph1, raw)
	}

	msgID, err := e.reg.AllocMsgID(ph1)
	if err != nil {
		return err
	}
	iv, err := ph1.Keys.NewExchangeIV(msgID)
	if err != nil {
		return err
	}
	a, prf := ph1.Keys.SKEYIDa, ph1.Keys.PRF
	all, err := withHash(func(rest []byte) []byte { return oakley.ComputeHash1(prf, a, msgID, rest) }, payloads)
	if err != nil {
		return err
	}
	raw, _, err := seal(ph1, iv, isakmp.ExchangeInformation, 0, all)
	if err != nil {
		return err
	}
	if err := e.send(ph1, raw); err != nil {
		return err
	}
	e.reg.Trace(ph1.Session, session.Event{Code: session.PacketTxSucc, Exchange: isakmp.ExchangeInformation, MsgNum: 1})
	return nil
}

func (e *Engine) sendNotify(ph1 *session.Phase1, code isakmp.NotifyType, proto isakmp.ProtocolID, spi, data []byte) error {
	e.log.Debug("发送通知",
		logger.Stringer("remote", ph1.Remote),
		logger.Stringer("type", code),
		logger.Stringer("proto", proto))
	return e.sendInformational(ph1, &isakmp.PayloadNotify{
		DOI:        isakmp.DOIIPsec,
		ProtocolID: proto,
		SPI:        spi,
		NotifyType: code,
		NotifyData: data,
	})
}

// SendDeletePhase1 通知对端删除 ISAKMP SA
func (e *Engine) SendDeletePhase1(ph1 *session.Phase1) error {
	e.log.Info("发送 ISAKMP SA Delete", logger.Stringer("remote", ph1.Remote), logger.Stringer("index", ph1.Index))
	return e.sendInformational(ph1, &isakmp.PayloadDelete{
		DOI:        isakmp.DOIIPsec,
		ProtocolID: isakmp.ProtoISAKMP,
		SPISize:    2 * isakmp.CookieLen,
		SPIs:       [][]byte{ph1.Index.Bytes()},
	})
}

// SendDeletePhase2 每个协议一个 Delete，携带本端 (入站) SPI
func (e *Engine) SendDeletePhase2(ph2 *session.Phase2) error {
	ph1, ok := e.reg.ParentOf(ph2)
	if !ok || !ph1.Established() {
		e.log.Debug("没有可用的阶段一，跳过 Delete", logger.Uint32("msgid", ph2.MsgID))
		return nil
	}
	if ph2.Approval == nil {
		return nil
	}
	var payloads []isakmp.Payload
	for _, ps := range ph2.Approval.Protos {
		payloads = append(payloads, &isakmp.PayloadDelete{
			DOI:        isakmp.DOIIPsec,
			ProtocolID: ps.Protocol,
			SPISize:    4,
			SPIs:       [][]byte{oakley.SPIBytes(ps.SPI)},
		})
	}
	e.log.Info("发送 IPsec SA Delete", logger.Stringer("remote", ph1.Remote), logger.Uint32("msgid", ph2.MsgID))
	return e.sendInformational(ph1, payloads...)
}

// SendDPD 发送 R-U-THERE
func (e *Engine) SendDPD(ph1 *session.Phase1, seq uint32) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, seq)
	return e.sendNotify(ph1, isakmp.RUThere, isakmp.ProtoISAKMP, ph1.Index.Bytes(), data)
}

func (e *Engine) sendInitialContact(ph1 *session.Phase1) error {
	return e.sendNotify(ph1, isakmp.InitialContact, isakmp.ProtoISAKMP, ph1.Index.Bytes(), nil)
}

// handleInformational 处理对端的 Delete 与通知
func (e *Engine) handleInformational(p *isakmp.Packet, pkt transport.Packet) {
	ph1, ok := e.reg.FindPhase1ByIndex(nil, p.Header.Index)
	if !ok {
		e.log.Debug("信息交换找不到 ISAKMP SA",
			logger.Stringer("remote", pkt.Remote),
			logger.Stringer("index", p.Header.Index))
		return
	}

	var chain isakmp.Chain
	if !p.Encrypted() {
		if ph1.Established() {
			e.log.Warn("丢弃未加密的信息交换", logger.Stringer("remote", pkt.Remote))
			return
		}
		c, err := isakmp.DecodeChain(p.Header.NextPayload, p.Body)
		if err != nil {
			e.log.Debug("信息交换解析失败", logger.Err(err))
			return
		}
		// 阶段一尚未建立，只记录对端的错误通知
		for _, en := range c {
			if n, ok := en.Payload.(*isakmp.PayloadNotify); ok {
				e.log.Warn("收到未加密的通知",
					logger.Stringer("remote", pkt.Remote),
					logger.Stringer("type", n.NotifyType))
			}
		}
		return
	}
	if ph1.Keys == nil {
		return
	}

	iv, err := ph1.Keys.NewExchangeIV(p.Header.MessageID)
	if err != nil {
		e.log.Debug("计算信息交换 IV 失败", logger.Err(err))
		return
	}
	chain, _, err = open(ph1, iv, p)
	if err == nil {
		var hash, rest []byte
		if hash, rest, err = splitHash(chain); err == nil {
			err = checkHash(hash, oakley.ComputeHash1(ph1.Keys.PRF, ph1.Keys.SKEYIDa, p.Header.MessageID, rest))
		}
	}
	if err != nil {
		e.log.Warn("丢弃信息交换", logger.Stringer("remote", pkt.Remote), logger.Err(err))
		e.reg.Trace(ph1.Session, session.Event{
			Code:     session.PacketRxFail,
			Exchange: isakmp.ExchangeInformation,
			MsgNum:   1,
			Reason:   err.Error(),
		})
		return
	}
	e.reg.Trace(ph1.Session, session.Event{Code: session.PacketRxSucc, Exchange: isakmp.ExchangeInformation, MsgNum: 1})

	for _, en := range chain[1:] {
		switch pl := en.Payload.(type) {
		case *isakmp.PayloadDelete:
			if e.onDelete(ph1, pl) {
				return
			}
		case *isakmp.PayloadNotify:
			e.onNotify(ph1, pl)
		default:
			e.log.Debug("忽略信息交换中的载荷", logger.Stringer("type", en.Type()))
		}
	}
}

// onDelete 返回 true 表示阶段一本身已被删除
func (e *Engine) onDelete(ph1 *session.Phase1, d *isakmp.PayloadDelete) bool {
	switch d.ProtocolID {
	case isakmp.ProtoISAKMP:
		for _, spi := range d.SPIs {
			if len(spi) != 2*isakmp.CookieLen {
				continue
			}
			var idx isakmp.Index
			copy(idx.I[:], spi[:isakmp.CookieLen])
			copy(idx.R[:], spi[isakmp.CookieLen:])
			if !idx.Equal(ph1.Index) {
				e.log.Debug("Delete 指向其他 ISAKMP SA，忽略", logger.Stringer("index", idx))
				continue
			}
			e.log.Info("对端删除 ISAKMP SA", logger.Stringer("remote", ph1.Remote), logger.Stringer("index", idx))
			ph1.Session.StopReason = session.StopByPeerDelete
			_ = e.reg.ExpirePhase1(ph1, false)
			return true
		}
	case isakmp.ProtoAH, isakmp.ProtoESP:
		for _, spi := range d.SPIs {
			if len(spi) != 4 {
				continue
			}
			v := binary.BigEndian.Uint32(spi)
			ph2, ok := e.reg.FindPhase2BySPI(d.ProtocolID, v, true)
			if !ok || ph2.Remote.Addr().Unmap() != ph1.Remote.Addr().Unmap() {
				e.log.Debug("Delete 指向未知的 IPsec SA",
					logger.Stringer("proto", d.ProtocolID),
					logger.Hex("spi", spi))
				continue
			}
			e.log.Info("对端删除 IPsec SA",
				logger.Stringer("remote", ph1.Remote),
				logger.Stringer("proto", d.ProtocolID),
				logger.Hex("spi", spi))
			_ = e.reg.ExpirePhase2(ph2, false)
		}
	default:
		e.log.Debug("不支持的 Delete 协议", logger.Stringer("proto", d.ProtocolID))
	}
	return false
}

func (e *Engine) onNotify(ph1 *session.Phase1, n *isakmp.PayloadNotify) {
	switch n.NotifyType {
	case isakmp.InitialContact:
		e.initialContact(ph1)
	case isakmp.RUThere:
		if err := e.sendNotify(ph1, isakmp.RUThereAck, n.ProtocolID, n.SPI, n.NotifyData); err != nil {
			e.log.Warn("回复 R-U-THERE-ACK 失败", logger.Err(err))
		}
	case isakmp.RUThereAck:
		e.log.Debug("收到 R-U-THERE-ACK", logger.Stringer("remote", ph1.Remote), logger.Hex("seq", n.NotifyData))
	default:
		if n.NotifyType.IsError() {
			e.log.Warn("对端报告错误",
				logger.Stringer("remote", ph1.Remote),
				logger.Stringer("type", n.NotifyType),
				logger.Stringer("proto", n.ProtocolID),
				logger.Hex("spi", n.SPI))
			return
		}
		e.log.Debug("忽略通知", logger.Stringer("type", n.NotifyType))
	}
}

// initialContact 对端重启，清除同一对端地址上其他的 SA
// 已建立的阶段二即使已移交到当前阶段一也属于重启前
func (e *Engine) initialContact(ph1 *session.Phase1) {
	remote := ph1.Remote.Addr().Unmap()
	n := 0
	for _, ph2 := range e.reg.Phase2s(nil) {
		if ph2.Dying() || ph2.Remote.Addr().Unmap() != remote {
			continue
		}
		if ph2.Ph1 == ph1.Ref() && !ph2.Established() {
			continue
		}
		_ = e.reg.ExpirePhase2(ph2, false)
		n++
	}
	for _, old := range e.reg.Phase1s(nil) {
		if old == ph1 || old.Dying() || old.Remote.Addr().Unmap() != remote {
			continue
		}
		_ = e.reg.ExpirePhase1(old, false)
		n++
	}
	e.log.Info("收到 INITIAL-CONTACT", logger.Stringer("remote", ph1.Remote), logger.Int("purged", n))
}
