package kernel

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/policy"
)

var ErrQueueFull = errors.New("内核事件队列已满")

// EventKind 内核异步事件类型
type EventKind int

const (
	// EventSPIReady GETSPI 完成
	EventSPIReady EventKind = iota + 1
	// EventAcquire 出站流量命中策略但没有 SA
	EventAcquire
	// EventExpire SA 软/硬过期
	EventExpire
)

func (k EventKind) String() string {
	switch k {
	case EventSPIReady:
		return "spi_ready"
	case EventAcquire:
		return "acquire"
	case EventExpire:
		return "expire"
	}
	return "unknown"
}

// Event 内核通知
type Event struct {
	Kind  EventKind
	Seq   uint32
	Proto isakmp.ProtocolID
	SPI   uint32

	Src netip.Addr
	Dst netip.Addr

	// Acquire 命中的策略
	SPID uint32
	// Expire 是否为硬过期
	Hard bool
}

func (e Event) String() string {
	return fmt.Sprintf("%s seq=%d %s spi=0x%08x %s->%s", e.Kind, e.Seq, e.Proto, e.SPI, e.Src, e.Dst)
}

// SPIRequest 为入站 SA 申请 SPI；src 为对端
type SPIRequest struct {
	Seq   uint32
	Src   netip.Addr
	Dst   netip.Addr
	Proto isakmp.ProtocolID
	Mode  isakmp.EncapMode
	ReqID uint32
}

// SA 待安装的 IPsec SA
type SA struct {
	Src   netip.Addr
	Dst   netip.Addr
	Proto isakmp.ProtocolID
	SPI   uint32
	Mode  isakmp.EncapMode
	ReqID uint32

	Transform policy.Transform
	// Key KEYMAT，加密密钥在前，认证密钥在后
	Key []byte

	Lifetime time.Duration
	Lifebyte uint64 // KB

	// NAT-T
	EncapSrcPort uint16
	EncapDstPort uint16
}

// Kernel SA 安装接口
type Kernel interface {
	// GetSPI 异步申请 SPI，结果通过 EventSPIReady 返回
	GetSPI(req SPIRequest) error
	// UpdateSA 填充 GETSPI 建立的入站 SA
	UpdateSA(sa *SA) error
	// AddSA 添加出站 SA
	AddSA(sa *SA) error
	DeleteSA(src, dst netip.Addr, proto isakmp.ProtocolID, spi uint32) error
	AddPolicy(sp *policy.SPDEntry) error
	DeletePolicy(sp *policy.SPDEntry) error
	Events() <-chan Event
	Close() error
}

// softRate 软过期占硬过期的百分比
const softRate = 80

// SoftLimit 软过期阈值
func SoftLimit(hard uint64) uint64 {
	return hard * softRate / 100
}
