package isakmp

import (
	"encoding/binary"
	"errors"
)

type Payload interface {
	Type() PayloadType
	Encode() ([]byte, error)
}

// 通用载荷头部 (RFC 2408 3.2 节)
type PayloadHeader struct {
	NextPayload   PayloadType
	PayloadLength uint16
}

const PayloadHeaderLen = 4

func (h *PayloadHeader) Encode() []byte {
	buf := make([]byte, PayloadHeaderLen)
	buf[0] = uint8(h.NextPayload)
	// buf[1] 保留，必须为零
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLength)
	return buf
}

func DecodePayloadHeader(data []byte) (*PayloadHeader, error) {
	if len(data) < PayloadHeaderLen {
		return nil, errors.New("通用载荷头部太短")
	}
	return &PayloadHeader{
		NextPayload:   PayloadType(data[0]),
		PayloadLength: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// RawPayload 用于未知类型
type RawPayload struct {
	PType PayloadType
	Data  []byte
}

func (p *RawPayload) Type() PayloadType       { return p.PType }
func (p *RawPayload) Encode() ([]byte, error) { return p.Data, nil }
