package isakmp

import (
	"errors"
	"fmt"
)

// Message 待发送的 ISAKMP 消息 (明文载荷)
type Message struct {
	Header   *Header
	Payloads []Payload
}

func NewMessage() *Message {
	return &Message{
		Header:   &Header{Version: Version1},
		Payloads: []Payload{},
	}
}

// EncodeChain 编码载荷链，串联每个通用头部的 NextPayload
// 返回首个载荷类型与链字节
func EncodeChain(payloads []Payload) (PayloadType, []byte, error) {
	if len(payloads) == 0 {
		return NoNextPayload, nil, nil
	}

	var out []byte
	for i, pl := range payloads {
		next := NoNextPayload
		if i < len(payloads)-1 {
			next = payloads[i+1].Type()
		}

		body, err := pl.Encode()
		if err != nil {
			return 0, nil, fmt.Errorf("编码载荷 %s 失败: %w", pl.Type(), err)
		}
		if PayloadHeaderLen+len(body) > 0xffff {
			return 0, nil, fmt.Errorf("载荷 %s 过长", pl.Type())
		}
		genHeader := &PayloadHeader{
			NextPayload:   next,
			PayloadLength: uint16(PayloadHeaderLen + len(body)),
		}
		out = append(out, genHeader.Encode()...)
		out = append(out, body...)
	}
	return payloads[0].Type(), out, nil
}

// Encode 编码为明文数据包，Header.NextPayload 与 Length 自动填写
func (m *Message) Encode() ([]byte, error) {
	first, chain, err := EncodeChain(m.Payloads)
	if err != nil {
		return nil, err
	}
	return m.Assemble(first, chain), nil
}

// Assemble 以给定首载荷类型与 (可能已加密的) 主体组装数据包
func (m *Message) Assemble(first PayloadType, body []byte) []byte {
	m.Header.NextPayload = first
	m.Header.Length = uint32(HeaderLen + len(body))
	return append(m.Header.Encode(), body...)
}

// Packet 已解析头部、未解析主体的数据包
type Packet struct {
	Header *Header
	Body   []byte // 头部之后到 Length 为止，可能是密文
	Raw    []byte
}

func (p *Packet) Encrypted() bool {
	return p.Header.Flags&FlagEncryption != 0
}

func DecodePacket(data []byte) (*Packet, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	return &Packet{
		Header: h,
		Body:   data[HeaderLen:h.Length],
		Raw:    data[:h.Length],
	}, nil
}

// Entry 解码后的载荷，保留包含通用头部的原始字节用于 HASH 计算
type Entry struct {
	Payload Payload
	Raw     []byte
}

func (e *Entry) Type() PayloadType { return e.Payload.Type() }

// Body 去掉通用头部的载荷主体
func (e *Entry) Body() []byte { return e.Raw[PayloadHeaderLen:] }

type Chain []*Entry

// DecodeChain 按 next 指针遍历载荷链；链结束后的字节 (加密填充) 被忽略
func DecodeChain(first PayloadType, data []byte) (Chain, error) {
	var chain Chain
	offset := 0
	next := first

	for next != NoNextPayload {
		if offset+PayloadHeaderLen > len(data) {
			return nil, errors.New("数据包太短，无法包含载荷头部")
		}

		genHeader, err := DecodePayloadHeader(data[offset : offset+PayloadHeaderLen])
		if err != nil {
			return nil, err
		}
		payloadLen := int(genHeader.PayloadLength)
		if payloadLen < PayloadHeaderLen || offset+payloadLen > len(data) {
			return nil, fmt.Errorf("载荷 %s 长度非法: %d", next, payloadLen)
		}

		raw := data[offset : offset+payloadLen]
		payload, err := decodePayload(next, raw[PayloadHeaderLen:])
		if err != nil {
			return nil, fmt.Errorf("解码载荷类型 %s 失败: %v", next, err)
		}
		chain = append(chain, &Entry{Payload: payload, Raw: raw})

		next = genHeader.NextPayload
		offset += payloadLen
	}
	return chain, nil
}

func decodePayload(t PayloadType, body []byte) (Payload, error) {
	switch t {
	case SA:
		return DecodePayloadSA(body)
	case KE:
		return DecodePayloadKE(body)
	case ID:
		return DecodePayloadID(body)
	case HASH:
		return &PayloadHash{HashData: append([]byte(nil), body...)}, nil
	case SIG:
		return &PayloadSig{SigData: append([]byte(nil), body...)}, nil
	case CERT:
		if len(body) < 1 {
			return nil, errors.New("CERT 载荷太短")
		}
		return &PayloadCert{Encoding: body[0], CertData: append([]byte(nil), body[1:]...)}, nil
	case NONCE:
		return DecodePayloadNonce(body)
	case N:
		return DecodePayloadNotify(body)
	case D:
		return DecodePayloadDelete(body)
	case VID:
		return &PayloadVendorID{VendorData: append([]byte(nil), body...)}, nil
	case NATOA, NATOADraft:
		return DecodePayloadNATOA(t, body)
	case FRAG:
		return DecodePayloadFrag(body)
	default:
		// 未知或尚未实现的载荷
		return &RawPayload{PType: t, Data: append([]byte(nil), body...)}, nil
	}
}

// Types 返回载荷类型序列
func (c Chain) Types() []PayloadType {
	out := make([]PayloadType, len(c))
	for i, e := range c {
		out[i] = e.Type()
	}
	return out
}

// First 返回第一个指定类型的载荷
func (c Chain) First(t PayloadType) *Entry {
	for _, e := range c {
		if e.Type() == t {
			return e
		}
	}
	return nil
}
