package isakmp

// ISAKMP (RFC 2408) / IPsec DOI (RFC 2407) / IKEv1 (RFC 2409) 常量

// 载荷类型
type PayloadType uint8

const (
	NoNextPayload PayloadType = 0
	SA            PayloadType = 1
	P             PayloadType = 2
	T             PayloadType = 3
	KE            PayloadType = 4
	ID            PayloadType = 5
	CERT          PayloadType = 6
	CR            PayloadType = 7
	HASH          PayloadType = 8
	SIG           PayloadType = 9
	NONCE         PayloadType = 10
	N             PayloadType = 11
	D             PayloadType = 12
	VID           PayloadType = 13
	NATD          PayloadType = 20 // RFC 3947
	NATOA         PayloadType = 21 // RFC 3947
	NATDDraft     PayloadType = 130
	NATOADraft    PayloadType = 131
	FRAG          PayloadType = 132 // IKE 分片 (Cisco 格式)
)

func (t PayloadType) String() string {
	switch t {
	case NoNextPayload:
		return "NONE"
	case SA:
		return "SA"
	case P:
		return "P"
	case T:
		return "T"
	case KE:
		return "KE"
	case ID:
		return "ID"
	case CERT:
		return "CERT"
	case CR:
		return "CR"
	case HASH:
		return "HASH"
	case SIG:
		return "SIG"
	case NONCE:
		return "NONCE"
	case N:
		return "N"
	case D:
		return "D"
	case VID:
		return "VID"
	case NATD, NATDDraft:
		return "NAT-D"
	case NATOA, NATOADraft:
		return "NAT-OA"
	case FRAG:
		return "FRAG"
	}
	return "UNKNOWN"
}

// 交换类型
type ExchangeType uint8

const (
	ExchangeBase        ExchangeType = 1
	ExchangeIdentProt   ExchangeType = 2 // Main Mode
	ExchangeAuthOnly    ExchangeType = 3
	ExchangeAggressive  ExchangeType = 4
	ExchangeInformation ExchangeType = 5
	ExchangeQuick       ExchangeType = 32
)

func (e ExchangeType) String() string {
	switch e {
	case ExchangeBase:
		return "base"
	case ExchangeIdentProt:
		return "main"
	case ExchangeAuthOnly:
		return "auth-only"
	case ExchangeAggressive:
		return "aggressive"
	case ExchangeInformation:
		return "info"
	case ExchangeQuick:
		return "quick"
	}
	return "unknown"
}

// 头部标志位
const (
	FlagEncryption = 1 << 0 // E
	FlagCommit     = 1 << 1 // C
	FlagAuthOnly   = 1 << 2 // A
)

// ISAKMP 版本 1.0
const Version1 uint8 = 0x10

// 解释域
const (
	DOIIPsec uint32 = 1

	SitIdentityOnly uint32 = 1
)

// 协议 ID
type ProtocolID uint8

const (
	ProtoISAKMP ProtocolID = 1
	ProtoAH     ProtocolID = 2
	ProtoESP    ProtocolID = 3
	ProtoIPComp ProtocolID = 4
)

func (p ProtocolID) String() string {
	switch p {
	case ProtoISAKMP:
		return "isakmp"
	case ProtoAH:
		return "ah"
	case ProtoESP:
		return "esp"
	case ProtoIPComp:
		return "ipcomp"
	}
	return "unknown"
}

// 阶段一变换 ID
const TransformKeyIKE uint8 = 1

// ESP 变换 ID (RFC 2407 4.4.4)
const (
	ESP_DES      uint8 = 2
	ESP_3DES     uint8 = 3
	ESP_CAST     uint8 = 6
	ESP_BLOWFISH uint8 = 7
	ESP_NULL     uint8 = 11
	ESP_AES      uint8 = 12
	ESP_AES_GCM8 uint8 = 18
	ESP_AES_GCM  uint8 = 20
)

// AH 变换 ID (RFC 2407 4.4.3)
const (
	AH_MD5         uint8 = 2
	AH_SHA         uint8 = 3
	AH_SHA2_256    uint8 = 5
	AH_SHA2_384    uint8 = 6
	AH_SHA2_512    uint8 = 7
	IPCOMP_DEFLATE uint8 = 2
)

// 阶段一 SA 属性类型 (RFC 2409 附录 A)
const (
	AttrOakleyEncAlg       uint16 = 1
	AttrOakleyHashAlg      uint16 = 2
	AttrOakleyAuthMethod   uint16 = 3
	AttrOakleyGroupDesc    uint16 = 4
	AttrOakleyGroupType    uint16 = 5
	AttrOakleyLifeType     uint16 = 11
	AttrOakleyLifeDuration uint16 = 12
	AttrOakleyPRF          uint16 = 13
	AttrOakleyKeyLength    uint16 = 14
)

// IPsec SA 属性类型 (RFC 2407 4.5)
const (
	AttrSALifeType     uint16 = 1
	AttrSALifeDuration uint16 = 2
	AttrGroupDesc      uint16 = 3
	AttrEncapMode      uint16 = 4
	AttrAuthAlg        uint16 = 5
	AttrKeyLength      uint16 = 6
	AttrKeyRounds      uint16 = 7
)

// 生存期类型
const (
	LifeTypeSeconds   uint16 = 1
	LifeTypeKilobytes uint16 = 2
)

// 封装模式
type EncapMode uint16

const (
	EncapTunnel            EncapMode = 1
	EncapTransport         EncapMode = 2
	EncapUDPTunnel         EncapMode = 3 // RFC 3947
	EncapUDPTransport      EncapMode = 4
	EncapUDPTunnelDraft    EncapMode = 61443
	EncapUDPTransportDraft EncapMode = 61444
)

// IsTransport 是否为传输模式 (含 UDP 封装)
func (m EncapMode) IsTransport() bool {
	return m == EncapTransport || m == EncapUDPTransport || m == EncapUDPTransportDraft
}

// IsUDP 是否为 NAT-T UDP 封装模式
func (m EncapMode) IsUDP() bool {
	return m == EncapUDPTunnel || m == EncapUDPTransport ||
		m == EncapUDPTunnelDraft || m == EncapUDPTransportDraft
}

// IPsec DOI 认证算法属性值
const (
	AuthAlgHMACMD5     uint16 = 1
	AuthAlgHMACSHA     uint16 = 2
	AuthAlgHMACSHA2256 uint16 = 5
	AuthAlgHMACSHA2384 uint16 = 6
	AuthAlgHMACSHA2512 uint16 = 7
)

// ID 类型 (RFC 2407 4.6.2.1)
const (
	IDIPv4Addr       uint8 = 1
	IDFQDN           uint8 = 2
	IDUserFQDN       uint8 = 3
	IDIPv4AddrSubnet uint8 = 4
	IDIPv6Addr       uint8 = 5
	IDIPv6AddrSubnet uint8 = 6
	IDIPv4AddrRange  uint8 = 7
	IDIPv6AddrRange  uint8 = 8
	IDDerAsn1DN      uint8 = 9
	IDDerAsn1GN      uint8 = 10
	IDKeyID          uint8 = 11
)

// 通知类型 (RFC 2408 3.14.1, RFC 2407 4.6.3)
type NotifyType uint16

const (
	InvalidPayloadType     NotifyType = 1
	DOINotSupported        NotifyType = 2
	SituationNotSupported  NotifyType = 3
	InvalidCookie          NotifyType = 4
	InvalidMajorVersion    NotifyType = 5
	InvalidMinorVersion    NotifyType = 6
	InvalidExchangeType    NotifyType = 7
	InvalidFlags           NotifyType = 8
	InvalidMessageID       NotifyType = 9
	InvalidProtocolID      NotifyType = 10
	InvalidSPI             NotifyType = 11
	InvalidTransformID     NotifyType = 12
	AttributesNotSupported NotifyType = 13
	NoProposalChosen       NotifyType = 14
	BadProposalSyntax      NotifyType = 15
	PayloadMalformed       NotifyType = 16
	InvalidKeyInformation  NotifyType = 17
	InvalidIDInformation   NotifyType = 18
	InvalidCertEncoding    NotifyType = 19
	InvalidCertificate     NotifyType = 20
	InvalidHashInformation NotifyType = 23
	AuthenticationFailed   NotifyType = 24
	InvalidSignature       NotifyType = 25
	AddressNotification    NotifyType = 26
	NotifySALifetime       NotifyType = 27
	UnequalPayloadLengths  NotifyType = 30

	// 状态类
	Connected          NotifyType = 16384
	ResponderLifetime  NotifyType = 24576
	ReplayStatus       NotifyType = 24577
	InitialContact     NotifyType = 24578
	RUThere            NotifyType = 36136 // RFC 3706 DPD
	RUThereAck         NotifyType = 36137
	InternalError      NotifyType = 8192 // 内部错误，不发送给对端
)

func (t NotifyType) String() string {
	switch t {
	case InvalidPayloadType:
		return "INVALID-PAYLOAD-TYPE"
	case InvalidCookie:
		return "INVALID-COOKIE"
	case InvalidExchangeType:
		return "INVALID-EXCHANGE-TYPE"
	case InvalidFlags:
		return "INVALID-FLAGS"
	case InvalidMessageID:
		return "INVALID-MESSAGE-ID"
	case InvalidProtocolID:
		return "INVALID-PROTOCOL-ID"
	case InvalidSPI:
		return "INVALID-SPI"
	case InvalidTransformID:
		return "INVALID-TRANSFORM-ID"
	case AttributesNotSupported:
		return "ATTRIBUTES-NOT-SUPPORTED"
	case NoProposalChosen:
		return "NO-PROPOSAL-CHOSEN"
	case BadProposalSyntax:
		return "BAD-PROPOSAL-SYNTAX"
	case PayloadMalformed:
		return "PAYLOAD-MALFORMED"
	case InvalidKeyInformation:
		return "INVALID-KEY-INFORMATION"
	case InvalidIDInformation:
		return "INVALID-ID-INFORMATION"
	case InvalidHashInformation:
		return "INVALID-HASH-INFORMATION"
	case AuthenticationFailed:
		return "AUTHENTICATION-FAILED"
	case InvalidSignature:
		return "INVALID-SIGNATURE"
	case Connected:
		return "CONNECTED"
	case ResponderLifetime:
		return "RESPONDER-LIFETIME"
	case InitialContact:
		return "INITIAL-CONTACT"
	case RUThere:
		return "R-U-THERE"
	case RUThereAck:
		return "R-U-THERE-ACK"
	case InternalError:
		return "INTERNAL-ERROR"
	}
	return "NOTIFY"
}

// IsError 错误类通知 (< 8192)
func (t NotifyType) IsError() bool {
	return t < 8192
}
