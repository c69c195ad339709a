package isakmp

import (
	"encoding/binary"
	"errors"
)

// SA 载荷 (RFC 2408 3.4 节)
// DOI + Situation 之后紧跟 Proposal 载荷链
type PayloadSA struct {
	DOI       uint32
	Situation uint32
	Proposals []*Proposal
}

func (p *PayloadSA) Type() PayloadType { return SA }

func (p *PayloadSA) Encode() ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], p.DOI)
	binary.BigEndian.PutUint32(buf[4:8], p.Situation)
	for i, prop := range p.Proposals {
		b, err := prop.encode(i == len(p.Proposals)-1)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// Proposal 子载荷 (RFC 2408 3.5 节)
// 相同 ProposalNum 的多个 Proposal 构成一个 AND 组合 (如 AH+ESP)
type Proposal struct {
	ProposalNum uint8
	ProtocolID  ProtocolID
	SPI         []byte
	Transforms  []*Transform
}

const ProposalHeaderLen = 8

func (p *Proposal) encode(last bool) ([]byte, error) {
	var transformsBody []byte
	for i, t := range p.Transforms {
		b, err := t.encode(i == len(p.Transforms)-1)
		if err != nil {
			return nil, err
		}
		transformsBody = append(transformsBody, b...)
	}

	totalLen := ProposalHeaderLen + len(p.SPI) + len(transformsBody)
	if totalLen > 0xffff {
		return nil, errors.New("Proposal 过长")
	}
	buf := make([]byte, ProposalHeaderLen+len(p.SPI))
	if last {
		buf[0] = uint8(NoNextPayload)
	} else {
		buf[0] = uint8(P)
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	buf[4] = p.ProposalNum
	buf[5] = uint8(p.ProtocolID)
	buf[6] = uint8(len(p.SPI))
	buf[7] = uint8(len(p.Transforms))
	copy(buf[ProposalHeaderLen:], p.SPI)

	return append(buf, transformsBody...), nil
}

// Transform 子载荷 (RFC 2408 3.6 节)
type Transform struct {
	TransformNum uint8
	TransformID  uint8
	Attributes   []*Attribute
}

const TransformHeaderLen = 8

func (t *Transform) encode(last bool) ([]byte, error) {
	var attrsBody []byte
	for _, attr := range t.Attributes {
		attrsBody = append(attrsBody, attr.Encode()...)
	}

	totalLen := TransformHeaderLen + len(attrsBody)
	buf := make([]byte, TransformHeaderLen)
	if last {
		buf[0] = uint8(NoNextPayload)
	} else {
		buf[0] = uint8(T)
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	buf[4] = t.TransformNum
	buf[5] = t.TransformID
	// buf[6:8] 保留

	return append(buf, attrsBody...), nil
}

// Attr 按类型查找属性
func (t *Transform) Attr(typ uint16) (*Attribute, bool) {
	for _, a := range t.Attributes {
		if a.Type == typ {
			return a, true
		}
	}
	return nil, false
}

// AttrValue 返回 TV 属性值，不存在时返回 0
func (t *Transform) AttrValue(typ uint16) uint16 {
	if a, ok := t.Attr(typ); ok {
		return a.Val
	}
	return 0
}

// Attribute 数据属性 (RFC 2408 3.3 节)
// Value 非空时为 TLV 格式，否则为 TV 格式
type Attribute struct {
	Type  uint16
	Value []byte // TLV
	Val   uint16 // TV
}

func (a *Attribute) Encode() []byte {
	if len(a.Value) > 0 {
		buf := make([]byte, 4+len(a.Value))
		binary.BigEndian.PutUint16(buf[0:2], a.Type&0x7FFF)
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(a.Value)))
		copy(buf[4:], a.Value)
		return buf
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], a.Type|0x8000)
	binary.BigEndian.PutUint16(buf[2:4], a.Val)
	return buf
}

// Uint32 返回属性的数值 (TV 或最长 4 字节的 TLV)，生存期常用 TLV
func (a *Attribute) Uint32() uint32 {
	if len(a.Value) == 0 {
		return uint32(a.Val)
	}
	var v uint32
	for _, b := range a.Value {
		v = v<<8 | uint32(b)
	}
	return v
}

// NewAttribute 数值属性：小于 65536 用 TV，否则用 4 字节 TLV
func NewAttribute(typ uint16, v uint32) *Attribute {
	if v <= 0xffff {
		return &Attribute{Type: typ, Val: uint16(v)}
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return &Attribute{Type: typ, Value: b}
}

func DecodePayloadSA(data []byte) (*PayloadSA, error) {
	if len(data) < 8 {
		return nil, errors.New("SA 载荷太短")
	}
	sa := &PayloadSA{
		DOI:       binary.BigEndian.Uint32(data[0:4]),
		Situation: binary.BigEndian.Uint32(data[4:8]),
	}

	offset := 8
	for offset < len(data) {
		if offset+ProposalHeaderLen > len(data) {
			return nil, errors.New("SA 载荷对于 Proposal 头部来说太短")
		}
		next := PayloadType(data[offset])
		propLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if propLen < ProposalHeaderLen || offset+propLen > len(data) {
			return nil, errors.New("SA 载荷对于 Proposal 主体来说太短")
		}

		prop, err := DecodeProposal(data[offset : offset+propLen])
		if err != nil {
			return nil, err
		}
		sa.Proposals = append(sa.Proposals, prop)
		offset += propLen

		if next == NoNextPayload {
			break
		}
		if next != P {
			return nil, errors.New("SA 载荷中出现非 Proposal 子载荷")
		}
	}
	if len(sa.Proposals) == 0 {
		return nil, errors.New("SA 载荷没有 Proposal")
	}
	return sa, nil
}

func DecodeProposal(data []byte) (*Proposal, error) {
	if len(data) < ProposalHeaderLen {
		return nil, errors.New("Proposal 太短")
	}

	p := &Proposal{
		ProposalNum: data[4],
		ProtocolID:  ProtocolID(data[5]),
	}
	spiSize := int(data[6])
	transformCount := int(data[7])

	if len(data) < ProposalHeaderLen+spiSize {
		return nil, errors.New("Proposal 对于 SPI 来说太短")
	}
	p.SPI = make([]byte, spiSize)
	copy(p.SPI, data[ProposalHeaderLen:ProposalHeaderLen+spiSize])

	offset := ProposalHeaderLen + spiSize
	for i := 0; i < transformCount; i++ {
		if offset+TransformHeaderLen > len(data) {
			return nil, errors.New("Proposal 对于 Transform 头部来说太短")
		}
		transLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if transLen < TransformHeaderLen || offset+transLen > len(data) {
			return nil, errors.New("Proposal 对于 Transform 主体来说太短")
		}

		trans, err := DecodeTransform(data[offset : offset+transLen])
		if err != nil {
			return nil, err
		}
		p.Transforms = append(p.Transforms, trans)
		offset += transLen
	}
	if len(p.Transforms) == 0 {
		return nil, errors.New("Proposal 没有 Transform")
	}

	return p, nil
}

func DecodeTransform(data []byte) (*Transform, error) {
	if len(data) < TransformHeaderLen {
		return nil, errors.New("Transform 太短")
	}

	t := &Transform{
		TransformNum: data[4],
		TransformID:  data[5],
	}
	attrs, err := DecodeAttributes(data[TransformHeaderLen:])
	if err != nil {
		return nil, err
	}
	t.Attributes = attrs
	return t, nil
}

// DecodeAttributes 解码连续的 TV/TLV 属性
// RESPONDER-LIFETIME 通知数据也是这种格式
func DecodeAttributes(data []byte) ([]*Attribute, error) {
	var attrs []*Attribute
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, errors.New("属性头部被截断")
		}

		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		afBit := (attrType & 0x8000) != 0
		actualType := attrType & 0x7FFF

		if afBit {
			// TV 格式: 值在长度字段中
			attrs = append(attrs, &Attribute{
				Type: actualType,
				Val:  binary.BigEndian.Uint16(data[offset+2 : offset+4]),
			})
			offset += 4
			continue
		}

		valLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if offset+4+valLen > len(data) {
			return nil, errors.New("属性值被截断")
		}
		val := make([]byte, valLen)
		copy(val, data[offset+4:offset+4+valLen])
		attrs = append(attrs, &Attribute{Type: actualType, Value: val})
		offset += 4 + valLen
	}
	return attrs, nil
}
