package isakmp

import (
	"encoding/binary"
	"errors"
)

// 通知载荷 (RFC 2408 3.14 节)
type PayloadNotify struct {
	DOI        uint32
	ProtocolID ProtocolID
	SPI        []byte
	NotifyType NotifyType
	NotifyData []byte
}

func (p *PayloadNotify) Type() PayloadType { return N }

func (p *PayloadNotify) Encode() ([]byte, error) {
	// 头部: 4 DOI + 1 协议 ID + 1 SPI 大小 + 2 通知类型 + SPI + 数据
	spiLen := len(p.SPI)
	buf := make([]byte, 8+spiLen+len(p.NotifyData))

	binary.BigEndian.PutUint32(buf[0:4], p.DOI)
	buf[4] = uint8(p.ProtocolID)
	buf[5] = uint8(spiLen)
	binary.BigEndian.PutUint16(buf[6:8], uint16(p.NotifyType))
	copy(buf[8:], p.SPI)
	copy(buf[8+spiLen:], p.NotifyData)

	return buf, nil
}

func DecodePayloadNotify(data []byte) (*PayloadNotify, error) {
	if len(data) < 8 {
		return nil, errors.New("通知载荷太短")
	}
	spiLen := int(data[5])
	if len(data) < 8+spiLen {
		return nil, errors.New("通知载荷对于 SPI 来说太短")
	}

	return &PayloadNotify{
		DOI:        binary.BigEndian.Uint32(data[0:4]),
		ProtocolID: ProtocolID(data[4]),
		NotifyType: NotifyType(binary.BigEndian.Uint16(data[6:8])),
		SPI:        append([]byte(nil), data[8:8+spiLen]...),
		NotifyData: append([]byte(nil), data[8+spiLen:]...),
	}, nil
}

// 删除载荷 (RFC 2408 3.15 节)
type PayloadDelete struct {
	DOI        uint32
	ProtocolID ProtocolID
	SPISize    uint8
	SPIs       [][]byte
}

func (p *PayloadDelete) Type() PayloadType { return D }

func (p *PayloadDelete) Encode() ([]byte, error) {
	buf := make([]byte, 8, 8+int(p.SPISize)*len(p.SPIs))
	binary.BigEndian.PutUint32(buf[0:4], p.DOI)
	buf[4] = uint8(p.ProtocolID)
	buf[5] = p.SPISize
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(p.SPIs)))
	for _, spi := range p.SPIs {
		if len(spi) != int(p.SPISize) {
			return nil, errors.New("删除载荷 SPI 长度不一致")
		}
		buf = append(buf, spi...)
	}
	return buf, nil
}

// DecodePayloadDelete 解码删除载荷
func DecodePayloadDelete(data []byte) (*PayloadDelete, error) {
	if len(data) < 8 {
		return nil, errors.New("删除载荷太短")
	}

	p := &PayloadDelete{
		DOI:        binary.BigEndian.Uint32(data[0:4]),
		ProtocolID: ProtocolID(data[4]),
		SPISize:    data[5],
	}
	numSPIs := int(binary.BigEndian.Uint16(data[6:8]))

	expectedLen := 8 + int(p.SPISize)*numSPIs
	if len(data) < expectedLen {
		return nil, errors.New("删除载荷对于 SPI 数据来说太短")
	}
	for i := 0; i < numSPIs; i++ {
		off := 8 + i*int(p.SPISize)
		p.SPIs = append(p.SPIs, append([]byte(nil), data[off:off+int(p.SPISize)]...))
	}
	return p, nil
}
