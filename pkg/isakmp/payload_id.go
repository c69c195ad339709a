package isakmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// 身份标识载荷 (RFC 2407 4.6.2 节)
// 阶段二中作为 IDci/IDcr 描述流量选择
type PayloadID struct {
	IDType     uint8
	ProtocolID uint8 // IP 协议号，0 为通配
	Port       uint16
	Data       []byte
}

func (p *PayloadID) Type() PayloadType { return ID }

func (p *PayloadID) Encode() ([]byte, error) {
	buf := make([]byte, 4+len(p.Data))
	buf[0] = p.IDType
	buf[1] = p.ProtocolID
	binary.BigEndian.PutUint16(buf[2:4], p.Port)
	copy(buf[4:], p.Data)
	return buf, nil
}

func DecodePayloadID(data []byte) (*PayloadID, error) {
	if len(data) < 4 {
		return nil, errors.New("ID 载荷太短")
	}
	return &PayloadID{
		IDType:     data[0],
		ProtocolID: data[1],
		Port:       binary.BigEndian.Uint16(data[2:4]),
		Data:       append([]byte(nil), data[4:]...),
	}, nil
}

// IDFromPrefix 按地址前缀构造 ID：全长前缀使用单地址类型
func IDFromPrefix(pfx netip.Prefix, proto uint8, port uint16) *PayloadID {
	pfx = pfx.Masked()
	addr := pfx.Addr()
	id := &PayloadID{ProtocolID: proto, Port: port}
	full := pfx.Bits() == addr.BitLen()

	switch {
	case addr.Is4() && full:
		id.IDType = IDIPv4Addr
		a := addr.As4()
		id.Data = a[:]
	case addr.Is4():
		id.IDType = IDIPv4AddrSubnet
		a := addr.As4()
		m := prefixMask(pfx.Bits(), 32)
		id.Data = append(a[:], m...)
	case full:
		id.IDType = IDIPv6Addr
		a := addr.As16()
		id.Data = a[:]
	default:
		id.IDType = IDIPv6AddrSubnet
		a := addr.As16()
		m := prefixMask(pfx.Bits(), 128)
		id.Data = append(a[:], m...)
	}
	return id
}

func prefixMask(ones, bits int) []byte {
	m := make([]byte, bits/8)
	for i := 0; i < ones; i++ {
		m[i/8] |= 0x80 >> (i % 8)
	}
	return m
}

// Prefix 将地址类 ID 解析为前缀，范围类型不支持
func (p *PayloadID) Prefix() (netip.Prefix, error) {
	switch p.IDType {
	case IDIPv4Addr, IDIPv6Addr:
		addr, ok := netip.AddrFromSlice(p.Data)
		if !ok || (p.IDType == IDIPv4Addr) != addr.Is4() {
			return netip.Prefix{}, errors.New("ID 地址长度非法")
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	case IDIPv4AddrSubnet, IDIPv6AddrSubnet:
		n := 4
		if p.IDType == IDIPv6AddrSubnet {
			n = 16
		}
		if len(p.Data) != 2*n {
			return netip.Prefix{}, errors.New("ID 子网长度非法")
		}
		addr, _ := netip.AddrFromSlice(p.Data[:n])
		ones := 0
		for _, b := range p.Data[n:] {
			for i := 7; i >= 0; i-- {
				if b&(1<<uint(i)) == 0 {
					return netip.PrefixFrom(addr, ones).Masked(), nil
				}
				ones++
			}
		}
		return netip.PrefixFrom(addr, ones).Masked(), nil
	}
	return netip.Prefix{}, fmt.Errorf("ID 类型 %d 不是地址", p.IDType)
}

// Equal 逐字节比较 (类型、协议、端口、数据)
func (p *PayloadID) Equal(o *PayloadID) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.IDType == o.IDType && p.ProtocolID == o.ProtocolID && p.Port == o.Port &&
		string(p.Data) == string(o.Data)
}

func (p *PayloadID) String() string {
	if pfx, err := p.Prefix(); err == nil {
		return fmt.Sprintf("%s[%d]/%d", pfx, p.Port, p.ProtocolID)
	}
	return fmt.Sprintf("type=%d data=%x[%d]/%d", p.IDType, p.Data, p.Port, p.ProtocolID)
}
