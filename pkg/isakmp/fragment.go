package isakmp

import (
	"encoding/binary"
	"errors"
	"sort"
)

const (
	fragHeaderLen = 4 // 分片 ID (2) + 序号 (1) + 标志 (1)
	FragFlagLast  = 0x01

	// 单个消息最多分片数
	maxFragments = 16
)

// IKE 分片载荷
type PayloadFrag struct {
	FragID uint16
	Number uint8 // 从 1 开始
	Last   bool
	Data   []byte
}

func (p *PayloadFrag) Type() PayloadType { return FRAG }

func (p *PayloadFrag) Encode() ([]byte, error) {
	buf := make([]byte, fragHeaderLen+len(p.Data))
	binary.BigEndian.PutUint16(buf[0:2], p.FragID)
	buf[2] = p.Number
	if p.Last {
		buf[3] = FragFlagLast
	}
	copy(buf[fragHeaderLen:], p.Data)
	return buf, nil
}

func DecodePayloadFrag(data []byte) (*PayloadFrag, error) {
	if len(data) < fragHeaderLen {
		return nil, errors.New("分片载荷太短")
	}
	p := &PayloadFrag{
		FragID: binary.BigEndian.Uint16(data[0:2]),
		Number: data[2],
		Last:   data[3]&FragFlagLast != 0,
		Data:   append([]byte(nil), data[fragHeaderLen:]...),
	}
	if p.Number == 0 {
		return nil, errors.New("分片序号不能为 0")
	}
	return p, nil
}

// Fragment 将完整的 ISAKMP 数据包切分为若干独立数据包
// 每个分片复制原头部，NextPayload 改为 FRAG
func Fragment(packet []byte, fragID uint16, mtu int) ([][]byte, error) {
	h, err := DecodeHeader(packet)
	if err != nil {
		return nil, err
	}
	chunk := mtu - HeaderLen - PayloadHeaderLen - fragHeaderLen
	if chunk <= 0 {
		return nil, errors.New("分片 MTU 太小")
	}
	if len(packet) <= mtu {
		return [][]byte{packet}, nil
	}

	var out [][]byte
	for off, num := 0, uint8(1); off < len(packet); num++ {
		if num > maxFragments {
			return nil, errors.New("分片数量超过上限")
		}
		end := off + chunk
		if end > len(packet) {
			end = len(packet)
		}
		frag := &PayloadFrag{
			FragID: fragID,
			Number: num,
			Last:   end == len(packet),
			Data:   packet[off:end],
		}
		m := &Message{Header: &Header{
			Index:        h.Index,
			Version:      h.Version,
			ExchangeType: h.ExchangeType,
			Flags:        h.Flags,
			MessageID:    h.MessageID,
		}, Payloads: []Payload{frag}}
		b, err := m.Encode()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
		off = end
	}
	return out, nil
}

// Reassembler 按分片 ID 收集分片，收齐后还原原始数据包
type Reassembler struct {
	fragID uint16
	parts  map[uint8][]byte
	last   uint8
}

func NewReassembler() *Reassembler {
	return &Reassembler{parts: make(map[uint8][]byte)}
}

// Add 加入一个分片；全部到齐时返回完整数据包
func (r *Reassembler) Add(f *PayloadFrag) ([]byte, bool, error) {
	if f.Number > maxFragments {
		return nil, false, errors.New("分片序号超过上限")
	}
	if len(r.parts) > 0 && f.FragID != r.fragID {
		// 新的分片组替换旧的
		r.Reset()
	}
	r.fragID = f.FragID
	if _, dup := r.parts[f.Number]; dup {
		return nil, false, nil
	}
	r.parts[f.Number] = f.Data
	if f.Last {
		r.last = f.Number
	}
	if r.last == 0 || len(r.parts) != int(r.last) {
		return nil, false, nil
	}

	nums := make([]int, 0, len(r.parts))
	for n := range r.parts {
		nums = append(nums, int(n))
	}
	sort.Ints(nums)
	var out []byte
	for i, n := range nums {
		if n != i+1 {
			return nil, false, nil
		}
		out = append(out, r.parts[uint8(n)]...)
	}
	r.Reset()
	return out, true, nil
}

func (r *Reassembler) Reset() {
	r.parts = make(map[uint8][]byte)
	r.last = 0
}
