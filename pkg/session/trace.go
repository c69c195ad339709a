package session

import (
	"go.uber.org/zap"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/logger"
)

// EventCode 会话跟踪事件码
type EventCode int

const (
	PacketTxSucc EventCode = iota + 1
	PacketTxFail
	PacketRxSucc
	PacketRxFail
	Phase1Up
	Phase1Down
	Phase2Up
	Phase2Down
)

func (c EventCode) String() string {
	switch c {
	case PacketTxSucc:
		return "PACKET_TX_SUCC"
	case PacketTxFail:
		return "PACKET_TX_FAIL"
	case PacketRxSucc:
		return "PACKET_RX_SUCC"
	case PacketRxFail:
		return "PACKET_RX_FAIL"
	case Phase1Up:
		return "PHASE1_UP"
	case Phase1Down:
		return "PHASE1_DOWN"
	case Phase2Up:
		return "PHASE2_UP"
	case Phase2Down:
		return "PHASE2_DOWN"
	}
	return "UNKNOWN"
}

// Event 一条跟踪事件
type Event struct {
	Code     EventCode
	Exchange isakmp.ExchangeType
	MsgNum   int // 交换内第几条消息，0 表示不适用
	Reason   string
}

// Tracer 外部遥测
type Tracer interface {
	Trace(s *IkeSession, ev Event)
}

// Notifier 批量拆除时向对端发送 Delete
type Notifier interface {
	SendDeletePhase1(ph1 *Phase1) error
	SendDeletePhase2(ph2 *Phase2) error
}

// Controller VPN 控制器
type Controller interface {
	Stopped(s *IkeSession, reason StopReason)
}

type logTracer struct {
	l *zap.Logger
}

func (t logTracer) Trace(s *IkeSession, ev Event) {
	var id uint64
	if s != nil {
		id = s.ID
	}
	t.l.Debug("会话事件",
		logger.Uint64("session", id),
		logger.Stringer("code", ev.Code),
		logger.Stringer("exchange", ev.Exchange),
		logger.Int("msg", ev.MsgNum),
		logger.String("reason", ev.Reason))
}

type nopNotifier struct{}

func (nopNotifier) SendDeletePhase1(*Phase1) error { return nil }
func (nopNotifier) SendDeletePhase2(*Phase2) error { return nil }

type nopController struct{}

func (nopController) Stopped(*IkeSession, StopReason) {}
