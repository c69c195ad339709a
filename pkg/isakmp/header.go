package isakmp

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	HeaderLen = 28
	CookieLen = 8
)

// Cookie 单侧 cookie
type Cookie [CookieLen]byte

func (c Cookie) IsZero() bool {
	return c == Cookie{}
}

func (c Cookie) String() string {
	return hex.EncodeToString(c[:])
}

// Index 阶段一 cookie 对，唯一标识一个 ISAKMP SA
// 发起方 cookie 永远在前
type Index struct {
	I Cookie
	R Cookie
}

func (x Index) Bytes() []byte {
	b := make([]byte, 2*CookieLen)
	copy(b, x.I[:])
	copy(b[CookieLen:], x.R[:])
	return b
}

func (x Index) String() string {
	return x.I.String() + ":" + x.R.String()
}

// Equal 精确匹配 cookie 对
func (x Index) Equal(o Index) bool {
	return bytes.Equal(x.I[:], o.I[:]) && bytes.Equal(x.R[:], o.R[:])
}

// ISAKMP 头部格式 (RFC 2408 3.1 节)
type Header struct {
	Index        Index
	NextPayload  PayloadType  // 下一个载荷 (1 字节)
	Version      uint8        // 主版本 (4 位) + 次版本 (4 位)
	ExchangeType ExchangeType // 交换类型 (1 字节)
	Flags        uint8        // 标志位 (1 字节)
	MessageID    uint32       // 消息 ID (4 字节)
	Length       uint32       // 长度 (4 字节)
}

func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[0:8], h.Index.I[:])
	copy(buf[8:16], h.Index.R[:])
	buf[16] = uint8(h.NextPayload)
	buf[17] = h.Version
	buf[18] = uint8(h.ExchangeType)
	buf[19] = h.Flags
	binary.BigEndian.PutUint32(buf[20:24], h.MessageID)
	binary.BigEndian.PutUint32(buf[24:28], h.Length)
	return buf
}

func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderLen {
		return nil, errors.New("数据包太短，无法包含 ISAKMP 头部")
	}

	h := &Header{
		NextPayload:  PayloadType(data[16]),
		Version:      data[17],
		ExchangeType: ExchangeType(data[18]),
		Flags:        data[19],
		MessageID:    binary.BigEndian.Uint32(data[20:24]),
		Length:       binary.BigEndian.Uint32(data[24:28]),
	}
	copy(h.Index.I[:], data[0:8])
	copy(h.Index.R[:], data[8:16])

	if h.Version>>4 != 1 {
		return nil, fmt.Errorf("不支持的 ISAKMP 主版本: %d", h.Version>>4)
	}
	if int(h.Length) < HeaderLen || int(h.Length) > len(data) {
		return nil, fmt.Errorf("ISAKMP 头部长度非法: %d (收到 %d)", h.Length, len(data))
	}
	return h, nil
}

// MessageIDBytes 返回网络序消息 ID，HASH 与 IV 计算使用
func (h *Header) MessageIDBytes() []byte {
	return MessageIDBytes(h.MessageID)
}

func MessageIDBytes(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

func (h *Header) String() string {
	return fmt.Sprintf("ISAKMP Header: Index=%s Next=%s Ver=%x Exch=%s Flags=%b MsgID=%08x Len=%d",
		h.Index, h.NextPayload, h.Version, h.ExchangeType, h.Flags, h.MessageID, h.Length)
}
