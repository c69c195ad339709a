package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

var ErrNoPolicy = errors.New("找不到安全策略")

// Direction 策略方向
type Direction uint8

const (
	DirOut Direction = iota
	DirIn
	DirFwd
)

func (d Direction) String() string {
	switch d {
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	case DirFwd:
		return "fwd"
	}
	return "unknown"
}

// SPDEntry 安全策略
type SPDEntry struct {
	ID       uint32 // spid
	Src      netip.Prefix
	Dst      netip.Prefix
	SrcPort  uint16
	DstPort  uint16
	ULProto  uint8 // 0 为任意
	Dir      Direction
	Priority uint32

	// 隧道模式外层地址
	TunnelSrc netip.Addr
	TunnelDst netip.Addr

	Requests []Request
	// Generated 响应方根据对端 ID 生成，尚未安装到内核
	Generated bool
}

// Reverse 交换源/目的，in 与 out 互换
func (e *SPDEntry) Reverse() *SPDEntry {
	r := *e
	r.ID = 0
	r.Src, r.Dst = e.Dst, e.Src
	r.SrcPort, r.DstPort = e.DstPort, e.SrcPort
	r.TunnelSrc, r.TunnelDst = e.TunnelDst, e.TunnelSrc
	switch e.Dir {
	case DirIn:
		r.Dir = DirOut
	case DirOut:
		r.Dir = DirIn
	}
	r.Requests = append([]Request(nil), e.Requests...)
	return &r
}

// IDs 本端在前：出站策略 (src, dst)，入站策略 (dst, src)
func (e *SPDEntry) IDs() (local, remote *isakmp.PayloadID) {
	src := isakmp.IDFromPrefix(e.Src, e.ULProto, e.SrcPort)
	dst := isakmp.IDFromPrefix(e.Dst, e.ULProto, e.DstPort)
	if e.Dir == DirOut {
		return src, dst
	}
	return dst, src
}

// Transport 所有请求都是传输模式
func (e *SPDEntry) Transport() bool {
	for _, r := range e.Requests {
		if !r.Mode.IsTransport() {
			return false
		}
	}
	return len(e.Requests) > 0
}

func (e *SPDEntry) String() string {
	return fmt.Sprintf("%s[%d] %s[%d] proto=%d %s", e.Src, e.SrcPort, e.Dst, e.DstPort, e.ULProto, e.Dir)
}

func (e *SPDEntry) matches(src, dst netip.Prefix, ulproto uint8, dir Direction) bool {
	return e.Dir == dir && e.Src == src.Masked() && e.Dst == dst.Masked() &&
		(e.ULProto == 0 || e.ULProto == ulproto)
}

// SPD 内存中的安全策略库
type SPD struct {
	entries map[uint32]*SPDEntry
	nextID  uint32
}

func NewSPD() *SPD {
	return &SPD{entries: make(map[uint32]*SPDEntry)}
}

// Add 加入策略，ID 为 0 时自动分配
func (d *SPD) Add(e *SPDEntry) uint32 {
	e.Src = e.Src.Masked()
	e.Dst = e.Dst.Masked()
	if e.ID == 0 {
		d.nextID++
		for d.entries[d.nextID] != nil || d.nextID == 0 {
			d.nextID++
		}
		e.ID = d.nextID
	}
	d.entries[e.ID] = e
	return e.ID
}

func (d *SPD) Get(id uint32) (*SPDEntry, bool) {
	e, ok := d.entries[id]
	return e, ok
}

func (d *SPD) Delete(id uint32) bool {
	if _, ok := d.entries[id]; !ok {
		return false
	}
	delete(d.entries, id)
	return true
}

func (d *SPD) Len() int { return len(d.entries) }

// Entries 按 ID 排序
func (d *SPD) Entries() []*SPDEntry {
	out := make([]*SPDEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup 精确选择子匹配，多条命中时取优先级数值最小者
func (d *SPD) Lookup(src, dst netip.Prefix, ulproto uint8, dir Direction) (*SPDEntry, error) {
	var best *SPDEntry
	for _, e := range d.Entries() {
		if !e.matches(src, dst, ulproto, dir) {
			continue
		}
		if best == nil || e.Priority < best.Priority {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNoPolicy
	}
	return best, nil
}

// LookupIDs 按阶段二 ID 查找响应方的入站策略
// idci 为对端 (发起方) 一侧，idcr 为本端一侧
func (d *SPD) LookupIDs(idci, idcr *isakmp.PayloadID) (*SPDEntry, error) {
	src, err := idci.Prefix()
	if err != nil {
		return nil, err
	}
	dst, err := idcr.Prefix()
	if err != nil {
		return nil, err
	}
	return d.Lookup(src, dst, idci.ProtocolID, DirIn)
}

// Generate 根据对端 ID 生成入站策略 (generate_policy)
// 生成的条目不加入 SPD，由调用方在协商完成后安装
func Generate(idci, idcr *isakmp.PayloadID, peer, local netip.Addr, reqs []Request) (*SPDEntry, error) {
	src, err := idci.Prefix()
	if err != nil {
		return nil, err
	}
	dst, err := idcr.Prefix()
	if err != nil {
		return nil, err
	}
	e := &SPDEntry{
		Src:       src,
		Dst:       dst,
		SrcPort:   idci.Port,
		DstPort:   idcr.Port,
		ULProto:   idci.ProtocolID,
		Dir:       DirIn,
		Requests:  append([]Request(nil), reqs...),
		Generated: true,
	}
	if !e.Transport() {
		e.TunnelSrc, e.TunnelDst = peer, local
	}
	return e, nil
}
