package policy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/iniwex5/isakmp-go/pkg/crypto"
	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

var ErrNoProposal = errors.New("没有可接受的提议")

// 未携带生命期属性时的默认值 (RFC 2407 4.5)
const DefaultLifetime = 28800 * time.Second

// Transform 一个候选算法组合
type Transform struct {
	ID      uint8  // ESP/AH 变换 ID
	KeyLen  uint16 // bits
	AuthAlg uint16
}

// ProtoSpec SA bundle 中的一个协议
type ProtoSpec struct {
	Protocol isakmp.ProtocolID
	Mode     isakmp.EncapMode
	SPI      uint32 // 本端 (入站) SPI
	SPIPeer  uint32 // 对端 SPI，出站使用
	ReqID    uint32

	// 批准后只剩一个
	Transforms []Transform
}

// Chosen 批准后的变换
func (p *ProtoSpec) Chosen() (Transform, bool) {
	if len(p.Transforms) != 1 {
		return Transform{}, false
	}
	return p.Transforms[0], true
}

// KeyBits KEYMAT 需要的位数 (加密 + 认证)
func (p *ProtoSpec) KeyBits() (int, error) {
	t, ok := p.Chosen()
	if !ok {
		return 0, errors.New("协议尚未批准唯一变换")
	}
	switch p.Protocol {
	case isakmp.ProtoESP:
		enc, err := crypto.ESPEncKeyBits(t.ID, int(t.KeyLen))
		if err != nil {
			return 0, err
		}
		auth, err := crypto.AuthKeyBits(t.AuthAlg)
		if err != nil {
			return 0, err
		}
		return enc + auth, nil
	case isakmp.ProtoAH:
		if t.AuthAlg != 0 {
			return crypto.AuthKeyBits(t.AuthAlg)
		}
		return crypto.AHKeyBits(t.ID)
	case isakmp.ProtoIPComp:
		return 0, nil
	}
	return 0, fmt.Errorf("不支持的协议 %s", p.Protocol)
}

// Proposal 一个阶段二提议
type Proposal struct {
	Number   uint8
	Lifetime time.Duration
	Lifebyte uint64 // bytes
	PFSGroup uint16
	Protos   []*ProtoSpec
}

func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Protos = make([]*ProtoSpec, len(p.Protos))
	for i, ps := range p.Protos {
		cp := *ps
		cp.Transforms = append([]Transform(nil), ps.Transforms...)
		c.Protos[i] = &cp
	}
	return &c
}

// Proto 按协议查找
func (p *Proposal) Proto(id isakmp.ProtocolID) *ProtoSpec {
	for _, ps := range p.Protos {
		if ps.Protocol == id {
			return ps
		}
	}
	return nil
}

// Request SPD 条目中的一个 IPsec 请求 (协议 + 模式)
type Request struct {
	Protocol isakmp.ProtocolID
	Mode     isakmp.EncapMode
	ReqID    uint32
}

// ahTransformID IPsec 认证算法属性到 AH 变换 ID
func ahTransformID(authAlg uint16) uint8 {
	switch authAlg {
	case isakmp.AuthAlgHMACMD5:
		return isakmp.AH_MD5
	case isakmp.AuthAlgHMACSHA:
		return isakmp.AH_SHA
	}
	return uint8(authAlg)
}

// BuildProposals 以 sainfo 的算法与 SPD 的协议请求构造提议
func BuildProposals(sa *SAInfo, reqs []Request) ([]*Proposal, error) {
	if len(reqs) == 0 {
		return nil, errors.New("SPD 条目没有 IPsec 请求")
	}
	p := &Proposal{
		Number:   1,
		Lifetime: sa.Lifetime,
		Lifebyte: sa.Lifebyte,
		PFSGroup: sa.PFSGroup,
	}
	for _, r := range reqs {
		ps := &ProtoSpec{Protocol: r.Protocol, Mode: r.Mode, ReqID: r.ReqID}
		switch r.Protocol {
		case isakmp.ProtoESP:
			for _, e := range sa.EncAlgs {
				if isAEAD(e.ID) {
					ps.Transforms = append(ps.Transforms, Transform{ID: e.ID, KeyLen: e.KeyLen})
					continue
				}
				for _, a := range sa.AuthAlgs {
					ps.Transforms = append(ps.Transforms, Transform{ID: e.ID, KeyLen: e.KeyLen, AuthAlg: a})
				}
			}
		case isakmp.ProtoAH:
			for _, a := range sa.AuthAlgs {
				ps.Transforms = append(ps.Transforms, Transform{ID: ahTransformID(a), AuthAlg: a})
			}
		default:
			return nil, fmt.Errorf("不支持的协议 %s", r.Protocol)
		}
		if len(ps.Transforms) == 0 {
			return nil, fmt.Errorf("协议 %s 没有可用算法", r.Protocol)
		}
		p.Protos = append(p.Protos, ps)
	}
	return []*Proposal{p}, nil
}

func isAEAD(id uint8) bool {
	return id >= isakmp.ESP_AES_GCM8 && id <= isakmp.ESP_AES_GCM
}

func transformAttrs(p *Proposal, ps *ProtoSpec, t Transform) []*isakmp.Attribute {
	var attrs []*isakmp.Attribute
	if p.Lifetime > 0 {
		attrs = append(attrs,
			isakmp.NewAttribute(isakmp.AttrSALifeType, uint32(isakmp.LifeTypeSeconds)),
			isakmp.NewAttribute(isakmp.AttrSALifeDuration, uint32(p.Lifetime/time.Second)))
	}
	if p.Lifebyte > 0 {
		attrs = append(attrs,
			isakmp.NewAttribute(isakmp.AttrSALifeType, uint32(isakmp.LifeTypeKilobytes)),
			isakmp.NewAttribute(isakmp.AttrSALifeDuration, uint32(p.Lifebyte/1024)))
	}
	if p.PFSGroup != 0 {
		attrs = append(attrs, isakmp.NewAttribute(isakmp.AttrGroupDesc, uint32(p.PFSGroup)))
	}
	attrs = append(attrs, isakmp.NewAttribute(isakmp.AttrEncapMode, uint32(ps.Mode)))
	if t.AuthAlg != 0 {
		attrs = append(attrs, isakmp.NewAttribute(isakmp.AttrAuthAlg, uint32(t.AuthAlg)))
	}
	if t.KeyLen != 0 {
		attrs = append(attrs, isakmp.NewAttribute(isakmp.AttrKeyLength, uint32(t.KeyLen)))
	}
	return attrs
}

// EncodeSA 生成 SA 载荷；同一提议的多个协议共用提议号
func EncodeSA(props []*Proposal) *isakmp.PayloadSA {
	sa := &isakmp.PayloadSA{DOI: isakmp.DOIIPsec, Situation: isakmp.SitIdentityOnly}
	for _, p := range props {
		for _, ps := range p.Protos {
			wp := &isakmp.Proposal{
				ProposalNum: p.Number,
				ProtocolID:  ps.Protocol,
				SPI:         spiBytes(ps.SPI),
			}
			for i, t := range ps.Transforms {
				wp.Transforms = append(wp.Transforms, &isakmp.Transform{
					TransformNum: uint8(i + 1),
					TransformID:  t.ID,
					Attributes:   transformAttrs(p, ps, t),
				})
			}
			sa.Proposals = append(sa.Proposals, wp)
		}
	}
	return sa
}

func spiBytes(spi uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, spi)
	return b
}

// transformParams 单个变换中与提议相关的属性
type transformParams struct {
	t        Transform
	mode     isakmp.EncapMode
	lifetime time.Duration
	lifebyte uint64
	group    uint16
}

func parseTransform(wt *isakmp.Transform) (*transformParams, error) {
	tp := &transformParams{t: Transform{ID: wt.TransformID}}
	var lifeType uint16
	for _, a := range wt.Attributes {
		switch a.Type {
		case isakmp.AttrSALifeType:
			lifeType = uint16(a.Uint32())
		case isakmp.AttrSALifeDuration:
			switch lifeType {
			case isakmp.LifeTypeSeconds:
				tp.lifetime = time.Duration(a.Uint32()) * time.Second
			case isakmp.LifeTypeKilobytes:
				tp.lifebyte = uint64(a.Uint32()) * 1024
			default:
				return nil, errors.New("生命期时长前缺少生命期类型")
			}
			lifeType = 0
		case isakmp.AttrGroupDesc:
			tp.group = uint16(a.Uint32())
		case isakmp.AttrEncapMode:
			tp.mode = isakmp.EncapMode(a.Uint32())
		case isakmp.AttrAuthAlg:
			tp.t.AuthAlg = uint16(a.Uint32())
		case isakmp.AttrKeyLength:
			tp.t.KeyLen = uint16(a.Uint32())
		case isakmp.AttrKeyRounds:
		default:
			return nil, fmt.Errorf("不支持的属性类型 %d", a.Type)
		}
	}
	if tp.mode == 0 {
		tp.mode = isakmp.EncapTunnel
	}
	return tp, nil
}

// DecodeSA 将对端 SA 载荷按提议号归组
// 载荷中的 SPI 是发送方的入站 SPI，记入 SPIPeer
// 同一协议的各变换携带的生命期/PFS 属性必须一致
func DecodeSA(sa *isakmp.PayloadSA) ([]*Proposal, error) {
	if sa.DOI != isakmp.DOIIPsec {
		return nil, fmt.Errorf("不支持的 DOI %d", sa.DOI)
	}
	if sa.Situation != isakmp.SitIdentityOnly {
		return nil, fmt.Errorf("不支持的 situation %d", sa.Situation)
	}

	var out []*Proposal
	var cur *Proposal
	for _, wp := range sa.Proposals {
		if wp.ProtocolID != isakmp.ProtoESP && wp.ProtocolID != isakmp.ProtoAH {
			return nil, fmt.Errorf("不支持的协议 %s", wp.ProtocolID)
		}
		if len(wp.SPI) != 4 {
			return nil, fmt.Errorf("SPI 长度非法: %d", len(wp.SPI))
		}
		if len(wp.Transforms) == 0 {
			return nil, errors.New("提议没有变换")
		}
		if cur == nil || cur.Number != wp.ProposalNum {
			cur = &Proposal{Number: wp.ProposalNum}
			out = append(out, cur)
		}

		ps := &ProtoSpec{
			Protocol: wp.ProtocolID,
			SPIPeer:  binary.BigEndian.Uint32(wp.SPI),
		}
		for i, wt := range wp.Transforms {
			tp, err := parseTransform(wt)
			if err != nil {
				return nil, err
			}
			if i == 0 && len(cur.Protos) == 0 {
				cur.Lifetime, cur.Lifebyte, cur.PFSGroup = tp.lifetime, tp.lifebyte, tp.group
			} else if tp.lifetime != cur.Lifetime || tp.lifebyte != cur.Lifebyte || tp.group != cur.PFSGroup {
				return nil, errors.New("同一提议中生命期或 PFS 组不一致")
			}
			if i == 0 {
				ps.Mode = tp.mode
			} else if tp.mode != ps.Mode {
				return nil, errors.New("同一协议中封装模式不一致")
			}
			ps.Transforms = append(ps.Transforms, tp.t)
		}
		cur.Protos = append(cur.Protos, ps)
	}
	if len(out) == 0 {
		return nil, errors.New("SA 载荷没有提议")
	}
	return out, nil
}

func effectiveLifetime(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultLifetime
	}
	return d
}

func containsTransform(list []Transform, t Transform) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

// sameMode NAT-T 下 UDP 封装模式与本地配置的普通模式等价
func sameMode(a, b isakmp.EncapMode) bool {
	return a == b || a.IsTransport() == b.IsTransport()
}

// Selection 响应方的选择结果
type Selection struct {
	Approval *Proposal
	// Local 命中的本地提议
	Local *Proposal
	// ClaimLifetime 需要在回复中携带 RESPONDER-LIFETIME
	ClaimLifetime bool
}

// Select 响应方按对端顺序选择第一个可接受的提议
func Select(local, peer []*Proposal, check LifetimeCheck) (*Selection, error) {
	for _, pp := range peer {
		for _, lp := range local {
			if sel := matchProposal(lp, pp, check); sel != nil {
				return sel, nil
			}
		}
	}
	return nil, ErrNoProposal
}

func matchProposal(lp, pp *Proposal, check LifetimeCheck) *Selection {
	if len(lp.Protos) != len(pp.Protos) {
		return nil
	}
	if lp.PFSGroup != pp.PFSGroup && !(check == LifetimeObey && lp.PFSGroup == 0) {
		return nil
	}

	sel := &Selection{Local: lp}
	ll, pl := effectiveLifetime(lp.Lifetime), effectiveLifetime(pp.Lifetime)
	lifetime := pl
	switch check {
	case LifetimeStrict:
		if pl > ll {
			return nil
		}
	case LifetimeClaim:
		if pl > ll {
			lifetime = ll
			sel.ClaimLifetime = true
		}
	case LifetimeExact:
		if pl != ll {
			return nil
		}
	}

	ap := &Proposal{
		Number:   pp.Number,
		Lifetime: lifetime,
		Lifebyte: pp.Lifebyte,
		PFSGroup: pp.PFSGroup,
	}
	if check == LifetimeClaim && lp.Lifebyte != 0 && (pp.Lifebyte == 0 || pp.Lifebyte > lp.Lifebyte) {
		ap.Lifebyte = lp.Lifebyte
		sel.ClaimLifetime = true
	}

	for i, pps := range pp.Protos {
		lps := lp.Protos[i]
		if lps.Protocol != pps.Protocol || !sameMode(lps.Mode, pps.Mode) {
			return nil
		}
		var chosen *Transform
		for _, t := range pps.Transforms {
			if containsTransform(lps.Transforms, t) {
				t := t
				chosen = &t
				break
			}
		}
		if chosen == nil {
			return nil
		}
		ap.Protos = append(ap.Protos, &ProtoSpec{
			Protocol:   pps.Protocol,
			Mode:       pps.Mode,
			SPIPeer:    pps.SPIPeer,
			ReqID:      lps.ReqID,
			Transforms: []Transform{*chosen},
		})
	}
	sel.Approval = ap
	return sel
}

// CheckReply 发起方校验响应方返回的提议
// 回复只能包含一个提议，每个协议一个变换，且必须出自本端提议
func CheckReply(offered, reply []*Proposal) (*Proposal, error) {
	if len(reply) != 1 {
		return nil, fmt.Errorf("响应包含 %d 个提议", len(reply))
	}
	rp := reply[0]
	var op *Proposal
	for _, p := range offered {
		if p.Number == rp.Number {
			op = p
			break
		}
	}
	if op == nil {
		return nil, fmt.Errorf("提议号 %d 不在本端提议中", rp.Number)
	}
	if len(op.Protos) != len(rp.Protos) {
		return nil, errors.New("响应的协议数量与提议不一致")
	}
	if op.PFSGroup != rp.PFSGroup {
		return nil, fmt.Errorf("PFS 组不一致: %d != %d", rp.PFSGroup, op.PFSGroup)
	}
	if effectiveLifetime(rp.Lifetime) > effectiveLifetime(op.Lifetime) {
		return nil, errors.New("响应的生命期长于提议")
	}

	ap := &Proposal{
		Number:   rp.Number,
		Lifetime: rp.Lifetime,
		Lifebyte: rp.Lifebyte,
		PFSGroup: rp.PFSGroup,
	}
	for i, rps := range rp.Protos {
		ops := op.Protos[i]
		if ops.Protocol != rps.Protocol || !sameMode(ops.Mode, rps.Mode) {
			return nil, fmt.Errorf("协议 %s 与提议不一致", rps.Protocol)
		}
		if len(rps.Transforms) != 1 {
			return nil, fmt.Errorf("协议 %s 的响应包含 %d 个变换", rps.Protocol, len(rps.Transforms))
		}
		if !containsTransform(ops.Transforms, rps.Transforms[0]) {
			return nil, fmt.Errorf("协议 %s 的变换不在提议中", rps.Protocol)
		}
		ap.Protos = append(ap.Protos, &ProtoSpec{
			Protocol:   ops.Protocol,
			Mode:       ops.Mode,
			SPI:        ops.SPI,
			SPIPeer:    rps.SPIPeer,
			ReqID:      ops.ReqID,
			Transforms: []Transform{rps.Transforms[0]},
		})
	}
	return ap, nil
}

// LifetimeAttributes RESPONDER-LIFETIME 通知数据 (生命期类型/时长属性)
func LifetimeAttributes(p *Proposal) []byte {
	var out []byte
	if p.Lifetime > 0 {
		out = append(out, isakmp.NewAttribute(isakmp.AttrSALifeType, uint32(isakmp.LifeTypeSeconds)).Encode()...)
		out = append(out, isakmp.NewAttribute(isakmp.AttrSALifeDuration, uint32(p.Lifetime/time.Second)).Encode()...)
	}
	if p.Lifebyte > 0 {
		out = append(out, isakmp.NewAttribute(isakmp.AttrSALifeType, uint32(isakmp.LifeTypeKilobytes)).Encode()...)
		out = append(out, isakmp.NewAttribute(isakmp.AttrSALifeDuration, uint32(p.Lifebyte/1024)).Encode()...)
	}
	return out
}

// ApplyResponderLifetime 发起方收到 RESPONDER-LIFETIME 后只接受更短的生命期
func ApplyResponderLifetime(p *Proposal, data []byte) error {
	attrs, err := isakmp.DecodeAttributes(data)
	if err != nil {
		return err
	}
	var lifeType uint16
	for _, a := range attrs {
		switch a.Type {
		case isakmp.AttrSALifeType:
			lifeType = uint16(a.Uint32())
		case isakmp.AttrSALifeDuration:
			switch lifeType {
			case isakmp.LifeTypeSeconds:
				d := time.Duration(a.Uint32()) * time.Second
				if d < effectiveLifetime(p.Lifetime) {
					p.Lifetime = d
				}
			case isakmp.LifeTypeKilobytes:
				b := uint64(a.Uint32()) * 1024
				if p.Lifebyte == 0 || b < p.Lifebyte {
					p.Lifebyte = b
				}
			default:
				return errors.New("生命期时长前缺少生命期类型")
			}
			lifeType = 0
		default:
			return fmt.Errorf("RESPONDER-LIFETIME 中不支持的属性 %d", a.Type)
		}
	}
	return nil
}
