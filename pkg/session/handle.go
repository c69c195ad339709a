package session

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/oakley"
	"github.com/iniwex5/isakmp-go/pkg/policy"
)

// Ph1Ref 阶段一句柄引用；槽位复用后旧引用失效
type Ph1Ref struct {
	idx uint32
	gen uint32
}

func (r Ph1Ref) Valid() bool { return r.gen != 0 }

func (r Ph1Ref) String() string { return fmt.Sprintf("ph1#%d.%d", r.idx, r.gen) }

// Ph2Ref 阶段二句柄引用
type Ph2Ref struct {
	idx uint32
	gen uint32
}

func (r Ph2Ref) Valid() bool { return r.gen != 0 }

func (r Ph2Ref) String() string { return fmt.Sprintf("ph2#%d.%d", r.idx, r.gen) }

// IkeSession 一个对端关系下的阶段一/阶段二句柄集合
type IkeSession struct {
	ID uint64

	IsClient   bool
	IsAsserted bool // 不参与被动清理与过期

	StoppedByController bool
	StopReason          StopReason
	// ControllerAwaitingPeerResp 控制器发起的操作正在等待对端响应
	ControllerAwaitingPeerResp bool

	Local  netip.AddrPort
	Remote netip.AddrPort

	ph1  []Ph1Ref
	ph2  []Ph2Ref
	refs int
	dead bool
}

// Hold / Release 外部引用计数；计数为 0 且句柄集合为空时会话被回收
func (s *IkeSession) Hold()    { s.refs++ }
func (s *IkeSession) Release() { s.refs-- }

func (s *IkeSession) Phase1Refs() []Ph1Ref { return append([]Ph1Ref(nil), s.ph1...) }
func (s *IkeSession) Phase2Refs() []Ph2Ref { return append([]Ph2Ref(nil), s.ph2...) }

func (s *IkeSession) Empty() bool { return len(s.ph1) == 0 && len(s.ph2) == 0 }

// Dead 已从注册表移除
func (s *IkeSession) Dead() bool { return s.dead }

// Phase1Approval 阶段一协商结果
type Phase1Approval struct {
	AuthMethod oakley.AuthMethod
	HashAlg    uint16
	EncAlg     uint16
	KeyLen     int
	DHGroup    uint16
	Lifetime   time.Duration
}

// Phase1 ISAKMP SA
type Phase1 struct {
	ref     Ph1Ref
	Session *IkeSession

	Index     isakmp.Index
	Status    Ph1Status
	Version   uint8
	Exchange  isakmp.ExchangeType
	Initiator bool

	Local  netip.AddrPort
	Remote netip.AddrPort
	Peer   *policy.PeerConfig

	Approval *Phase1Approval
	DH       *crypto.DiffieHellman
	GXi, GXr []byte
	GXY      []byte
	Ni, Nr   []byte
	Keys     *oakley.Keys

	OwnID  []byte
	PeerID []byte

	CertOwn  [][]byte
	CertPeer [][]byte

	// NAT-T
	NATDetected bool
	MarkerLen   int
	// NATPeerID NAT 下对端实际可见的阶段二 ID
	NATPeerID *isakmp.PayloadID

	RetryCounter int
	Created      time.Time
	ExpireAt     time.Time

	Timers Timers

	children []Ph2Ref
	dying    bool
}

func (p *Phase1) Ref() Ph1Ref { return p.ref }

// Dying 一旦置位不会清除
func (p *Phase1) Dying() bool { return p.dying }

func (p *Phase1) Established() bool { return p.Status == Ph1Established }

func (p *Phase1) Expired() bool { return p.Status == Ph1Expired }

// Children 绑定在该阶段一上的阶段二
func (p *Phase1) Children() []Ph2Ref { return append([]Ph2Ref(nil), p.children...) }

func (p *Phase1) clear() {
	p.Keys.Clear()
	if p.DH != nil {
		p.DH.Clear()
	}
	for _, b := range [][]byte{p.GXY, p.Ni, p.Nr} {
		crypto.Zero(b)
	}
	p.DH, p.GXi, p.GXr, p.GXY, p.Ni, p.Nr = nil, nil, nil, nil, nil, nil
	p.CertOwn, p.CertPeer = nil, nil
}

// Keymat 一个协议的 KEYMAT
type Keymat struct {
	Protocol isakmp.ProtocolID
	In       []byte // 本端 SPI
	Out      []byte // 对端 SPI
}

// Phase2 一次 IPsec SA 协商
type Phase2 struct {
	ref     Ph2Ref
	Session *IkeSession
	Ph1     Ph1Ref

	MsgID uint32
	SPID  uint32
	Seq   uint32 // 内核 acquire 序号

	Status    Ph2Status
	Initiator bool
	Commit    bool

	Local  netip.AddrPort
	Remote netip.AddrPort

	SAInfo   *policy.SAInfo
	Proposal []*policy.Proposal
	Approval *policy.Proposal
	// ClaimLifetime 响应方需回复 RESPONDER-LIFETIME
	ClaimLifetime bool
	// Generated 由对端 ID 生成的临时策略
	Generated *policy.SPDEntry

	// PFS
	DH     *crypto.DiffieHellman
	DHPeer []byte
	GXY    []byte

	Nonce     []byte
	NoncePeer []byte

	// IDci / IDcr 原始 ID 载荷 (发起方、响应方)
	IDci *isakmp.PayloadID
	IDcr *isakmp.PayloadID

	NATOAi netip.Addr
	NATOAr netip.Addr

	IV      *oakley.IV
	Keymats []Keymat

	// SendBuf 最后发送的报文，重传使用
	SendBuf      []byte
	RetryCounter int
	// Trigger 促成下一次回复的入站报文，回复以它为键写入重传缓存
	Trigger []byte

	Created  time.Time
	ExpireAt time.Time

	Timers Timers

	dying bool
}

func (p *Phase2) Ref() Ph2Ref { return p.ref }

func (p *Phase2) Dying() bool { return p.dying }

func (p *Phase2) Established() bool { return p.Status == Ph2Established }

func (p *Phase2) Expired() bool { return p.Status == Ph2Expired }

// Keymat 按协议查找 KEYMAT
func (p *Phase2) Keymat(proto isakmp.ProtocolID) *Keymat {
	for i := range p.Keymats {
		if p.Keymats[i].Protocol == proto {
			return &p.Keymats[i]
		}
	}
	return nil
}

// ClearKeymat 覆盖全部 KEYMAT
func (p *Phase2) ClearKeymat() {
	for _, k := range p.Keymats {
		crypto.Zero(k.In)
		crypto.Zero(k.Out)
	}
	p.Keymats = nil
}

func (p *Phase2) clear() {
	p.ClearKeymat()
	if p.DH != nil {
		p.DH.Clear()
	}
	crypto.Zero(p.GXY)
	p.DH, p.DHPeer, p.GXY = nil, nil, nil
	p.Nonce, p.NoncePeer = nil, nil
	p.IV = nil
	p.SendBuf, p.Trigger = nil, nil
}
