package engine

import (
	"time"

	"github.com/iniwex5/isakmp-go/pkg/recvcache"
)

type Config struct {
	// RetryCounter 快速模式消息重发次数 (对端配置未指定时)，DefaultConfig 为 5
	// 0 表示不重发，同时关闭重传缓存；normalize 不会把 0 改成默认值
	RetryCounter  int
	RetryInterval time.Duration // 重发间隔，默认 10s
	// Phase2Timeout 快速模式从发起/收到首包到完成的最长时间
	Phase2Timeout time.Duration
	// Phase1Lifetime 阶段一协商结果没有生命期时使用
	Phase1Lifetime time.Duration

	NonceSize int // 快速模式 nonce 字节数，8..256

	// UseCommitBit 响应方在第二条消息中置 commit 位，等待 CONNECTED 后再安装 SA
	UseCommitBit bool
	// FragmentMTU >0 时重传缓存中超过该长度的响应分片重发
	FragmentMTU int
	// Passive 不处理内核 acquire，只作为响应方
	Passive bool
}

func DefaultConfig() Config {
	return Config{
		RetryCounter:   5,
		RetryInterval:  10 * time.Second,
		Phase2Timeout:  30 * time.Second,
		Phase1Lifetime: 8 * time.Hour,
		NonceSize:      16,
	}
}

// cacheConfig 重传缓存与快速模式重发共用同一组参数
func (c Config) cacheConfig() recvcache.Config {
	return recvcache.Config{
		RetryCounter:  c.RetryCounter,
		RetryInterval: c.RetryInterval,
		FragmentMTU:   c.FragmentMTU,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.Phase2Timeout <= 0 {
		c.Phase2Timeout = d.Phase2Timeout
	}
	if c.Phase1Lifetime <= 0 {
		c.Phase1Lifetime = d.Phase1Lifetime
	}
	if c.NonceSize < 8 || c.NonceSize > 256 {
		c.NonceSize = d.NonceSize
	}
	if c.RetryCounter < 0 {
		c.RetryCounter = 0
	}
}
