package isakmp

import (
	"errors"
	"net/netip"
)

// 密钥交换载荷 (RFC 2408 3.7 节)，IKEv1 中组由 SA 属性决定
type PayloadKE struct {
	KEData []byte
}

func (p *PayloadKE) Type() PayloadType       { return KE }
func (p *PayloadKE) Encode() ([]byte, error) { return p.KEData, nil }

func DecodePayloadKE(data []byte) (*PayloadKE, error) {
	if len(data) == 0 {
		return nil, errors.New("KE 载荷为空")
	}
	return &PayloadKE{KEData: append([]byte(nil), data...)}, nil
}

// Nonce 载荷 (RFC 2408 3.13 节)
type PayloadNonce struct {
	NonceData []byte
}

func (p *PayloadNonce) Type() PayloadType       { return NONCE }
func (p *PayloadNonce) Encode() ([]byte, error) { return p.NonceData, nil }

func DecodePayloadNonce(data []byte) (*PayloadNonce, error) {
	// RFC 2409 5: nonce 长度 8..256 字节
	if len(data) < 8 || len(data) > 256 {
		return nil, errors.New("Nonce 长度非法")
	}
	return &PayloadNonce{NonceData: append([]byte(nil), data...)}, nil
}

// HASH 载荷 (RFC 2408 3.11 节)
type PayloadHash struct {
	HashData []byte
}

func (p *PayloadHash) Type() PayloadType       { return HASH }
func (p *PayloadHash) Encode() ([]byte, error) { return p.HashData, nil }

// SIG 载荷 (RFC 2408 3.12 节)
type PayloadSig struct {
	SigData []byte
}

func (p *PayloadSig) Type() PayloadType       { return SIG }
func (p *PayloadSig) Encode() ([]byte, error) { return p.SigData, nil }

// CERT 载荷 (RFC 2408 3.9 节)
type PayloadCert struct {
	Encoding uint8
	CertData []byte
}

func (p *PayloadCert) Type() PayloadType { return CERT }

func (p *PayloadCert) Encode() ([]byte, error) {
	return append([]byte{p.Encoding}, p.CertData...), nil
}

// Vendor ID 载荷 (RFC 2408 3.16 节)
type PayloadVendorID struct {
	VendorData []byte
}

func (p *PayloadVendorID) Type() PayloadType       { return VID }
func (p *PayloadVendorID) Encode() ([]byte, error) { return p.VendorData, nil }

// NAT-OA 载荷 (RFC 3947 5.2 节)
// 传输模式下携带 NAT 改写前的原始地址
type PayloadNATOA struct {
	PType PayloadType // NATOA 或草案 NATOADraft
	Addr  netip.Addr
}

func (p *PayloadNATOA) Type() PayloadType {
	if p.PType == 0 {
		return NATOA
	}
	return p.PType
}

func (p *PayloadNATOA) Encode() ([]byte, error) {
	if !p.Addr.IsValid() {
		return nil, errors.New("NAT-OA 地址无效")
	}
	addr := p.Addr.Unmap()
	buf := make([]byte, 4)
	if addr.Is4() {
		buf[0] = IDIPv4Addr
	} else {
		buf[0] = IDIPv6Addr
	}
	return append(buf, addr.AsSlice()...), nil
}

func DecodePayloadNATOA(t PayloadType, data []byte) (*PayloadNATOA, error) {
	if len(data) < 4 {
		return nil, errors.New("NAT-OA 载荷太短")
	}
	addr, ok := netip.AddrFromSlice(data[4:])
	if !ok {
		return nil, errors.New("NAT-OA 地址长度非法")
	}
	if (data[0] == IDIPv4Addr) != addr.Is4() {
		return nil, errors.New("NAT-OA ID 类型与地址不符")
	}
	return &PayloadNATOA{PType: t, Addr: addr}, nil
}
