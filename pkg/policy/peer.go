package policy

import (
	"errors"
	"net/netip"
	"time"

	"github.com/iniwex5/isakmp-go/pkg/oakley"
)

var ErrNoPeerConfig = errors.New("找不到对端配置")

// LifetimeCheck 生命期协商策略
type LifetimeCheck int

const (
	LifetimeObey   LifetimeCheck = iota // 接受对端提议
	LifetimeStrict                      // 对端更长时拒绝
	LifetimeClaim                       // 对端更长时接受并回复 RESPONDER-LIFETIME
	LifetimeExact                       // 必须一致
)

// GenerateLevel 响应方根据对端 ID 生成策略的级别
type GenerateLevel int

const (
	GenerateOff GenerateLevel = iota
	GenerateOn
	GenerateUnique
	GenerateRequire
)

// PeerConfig 对端配置 (remote 段)
type PeerConfig struct {
	Name string

	// Remote 对端地址或前缀；Port 为 0 表示任意端口
	Remote netip.Prefix
	Port   uint16
	// Anonymous 通配配置，只在其他条目都不匹配时使用
	Anonymous bool

	AuthMethod oakley.AuthMethod
	PSK        []byte // 显式预共享密钥
	DHGroup    uint16

	Lifetime time.Duration
	Lifebyte uint64

	// VerifyIdentifier 校验对端 ID 与证书/配置一致
	VerifyIdentifier bool
	// RetryCounter 覆盖全局重传次数，0 表示使用全局值
	RetryCounter   int
	LifetimeCheck  LifetimeCheck
	GeneratePolicy GenerateLevel
	NATTraversal   bool
	InitialContact bool
	Passive        bool
}

func (c *PeerConfig) isHost() bool {
	return c.Remote.IsValid() && c.Remote.Bits() == c.Remote.Addr().BitLen()
}

// PeerTable 对端配置表
type PeerTable struct {
	entries        []*PeerConfig
	anonymous      *PeerConfig
	AllowAnonymous bool
}

func NewPeerTable() *PeerTable {
	return &PeerTable{AllowAnonymous: true}
}

// Add 加入配置；重复的 Anonymous 配置替换旧的
func (t *PeerTable) Add(c *PeerConfig) {
	if c.Anonymous {
		t.anonymous = c
		return
	}
	c.Remote = c.Remote.Masked()
	t.entries = append(t.entries, c)
}

func (t *PeerTable) Remove(name string) bool {
	if t.anonymous != nil && t.anonymous.Name == name {
		t.anonymous = nil
		return true
	}
	for i, c := range t.entries {
		if c.Name == name {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (t *PeerTable) Len() int {
	n := len(t.entries)
	if t.anonymous != nil {
		n++
	}
	return n
}

// Resolve 查找对端配置
// 顺序: 地址+端口精确匹配 -> 地址匹配 (忽略端口) -> 最长前缀 -> 通配
func (t *PeerTable) Resolve(remote netip.AddrPort) (*PeerConfig, error) {
	addr := remote.Addr().Unmap()

	for _, c := range t.entries {
		if c.isHost() && c.Port != 0 && c.Port == remote.Port() && c.Remote.Addr() == addr {
			return c, nil
		}
	}
	for _, c := range t.entries {
		if c.isHost() && c.Remote.Addr() == addr {
			return c, nil
		}
	}

	var best *PeerConfig
	for _, c := range t.entries {
		if c.isHost() || !c.Remote.IsValid() || !c.Remote.Contains(addr) {
			continue
		}
		if c.Port != 0 && c.Port != remote.Port() {
			continue
		}
		if best == nil || c.Remote.Bits() > best.Remote.Bits() {
			best = c
		}
	}
	if best != nil {
		return best, nil
	}

	if t.AllowAnonymous && t.anonymous != nil {
		return t.anonymous, nil
	}
	return nil, ErrNoPeerConfig
}
