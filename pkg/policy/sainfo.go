package policy

import (
	"errors"
	"time"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

var ErrNoSAInfo = errors.New("找不到 sainfo")

// EncAlg 加密算法及密钥长度 (bits，0 为默认)
type EncAlg struct {
	ID     uint8
	KeyLen uint16
}

// SAInfo 阶段二参数，按 (本端 ID, 对端 ID) 绑定
type SAInfo struct {
	Name string
	// nil 表示 anonymous
	LocalID  *isakmp.PayloadID
	RemoteID *isakmp.PayloadID
	// PeerName 非空时只用于该对端配置
	PeerName string

	PFSGroup uint16 // 0 为不使用 PFS
	Lifetime time.Duration
	Lifebyte uint64

	EncAlgs  []EncAlg
	AuthAlgs []uint16 // IPsec DOI 认证算法属性值
}

func (s *SAInfo) anonymous() bool {
	return s.LocalID == nil && s.RemoteID == nil
}

// SAInfoTable sainfo 集合
type SAInfoTable struct {
	entries []*SAInfo
}

func NewSAInfoTable() *SAInfoTable {
	return &SAInfoTable{}
}

func (t *SAInfoTable) Add(s *SAInfo) {
	t.entries = append(t.entries, s)
}

func (t *SAInfoTable) Len() int { return len(t.entries) }

// Resolve 查找顺序: 本端与对端 ID 均精确匹配 -> 本端 anonymous 且对端匹配 -> 完全 anonymous
// 每一级中绑定 peer 的条目优先
func (t *SAInfoTable) Resolve(local, remote *isakmp.PayloadID, peer string) (*SAInfo, error) {
	match := func(pred func(*SAInfo) bool) *SAInfo {
		var generic *SAInfo
		for _, s := range t.entries {
			if !pred(s) {
				continue
			}
			if s.PeerName != "" {
				if s.PeerName == peer {
					return s
				}
				continue
			}
			if generic == nil {
				generic = s
			}
		}
		return generic
	}

	if local != nil && remote != nil {
		if s := match(func(s *SAInfo) bool {
			return s.LocalID.Equal(local) && s.RemoteID.Equal(remote)
		}); s != nil {
			return s, nil
		}
	}
	if remote != nil {
		if s := match(func(s *SAInfo) bool {
			return s.LocalID == nil && s.RemoteID.Equal(remote)
		}); s != nil {
			return s, nil
		}
	}
	if s := match((*SAInfo).anonymous); s != nil {
		return s, nil
	}
	return nil, ErrNoSAInfo
}
