package recvcache

import (
	"crypto/sha1"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
	"github.com/iniwex5/isakmp-go/pkg/logger"
	"github.com/iniwex5/isakmp-go/pkg/schedule"
)

// Result 收包查重结果
type Result int

const (
	// FirstTime 未见过的包，按正常流程处理
	FirstTime Result = iota
	// Handled 重传包，已重发缓存的响应 (或因间隔过短被忽略)
	Handled
	// Mismatch 内容相同但来源地址不同，按新请求处理
	Mismatch
)

func (r Result) String() string {
	switch r {
	case FirstTime:
		return "first-time"
	case Handled:
		return "handled"
	case Mismatch:
		return "mismatch"
	}
	return "unknown"
}

// Config 重传缓存配置
type Config struct {
	RetryCounter  int           // 每个缓存响应最多重发次数，0 表示不缓存
	RetryInterval time.Duration // 固定重传间隔
	FragmentMTU   int           // >0 时超过该长度的响应按 IKE 分片重发
}

// DefaultConfig 默认配置 (retry counter 5, interval 10s)
func DefaultConfig() Config {
	return Config{
		RetryCounter:  5,
		RetryInterval: 10 * time.Second,
	}
}

// 快速重传告警阈值
const rapidRetransmit = time.Second

// NonESPMarkerLen NAT-T 4500 端口上 IKE 报文前的 4 字节零标记
const NonESPMarkerLen = 4

// Sender 发送缓存的响应
type Sender interface {
	SendTo(local, remote netip.AddrPort, b []byte) error
}

type digest [sha1.Size]byte

// Entry 一条缓存记录
type Entry struct {
	Remote netip.AddrPort
	Local  netip.AddrPort

	bufs          [][]byte // 待重发的报文 (已含 NAT-T 标记，可能已分片)
	RetryCounter  int
	RetryInterval time.Duration // 下一次重发间隔
	TimeSend      time.Time
	Created       time.Time
	retries       int
}

// Cache 按收到请求的内容摘要缓存最后一次响应
type Cache struct {
	cfg    Config
	sched  *schedule.Scheduler
	sender Sender
	log    *zap.Logger

	entries  map[digest]*Entry
	sweepTok schedule.Token
	fragID   uint16
}

func New(cfg Config, sched *schedule.Scheduler, sender Sender, l *zap.Logger) *Cache {
	return &Cache{
		cfg:     cfg,
		sched:   sched,
		sender:  sender,
		log:     logger.OrNamed(l, "recvcache"),
		entries: make(map[digest]*Entry),
	}
}

// RetryInterval 第 n 次重发后的下一次间隔
// 前 3 次为固定间隔，之后为 n 倍固定间隔 (线性增长)
func RetryInterval(n int, fixed time.Duration) time.Duration {
	if n <= 3 {
		return fixed
	}
	return time.Duration(n) * fixed
}

func sum(raw []byte) digest {
	return sha1.Sum(raw)
}

// Check 查询收到的数据包
func (c *Cache) Check(remote, local netip.AddrPort, raw []byte) Result {
	key := sum(raw)
	e, ok := c.entries[key]
	if !ok {
		return FirstTime
	}

	if e.Remote.Addr().Unmap() != remote.Addr().Unmap() {
		c.log.Debug("重传缓存命中但来源地址不一致",
			logger.String("cached", e.Remote.String()),
			logger.String("remote", remote.String()))
		return Mismatch
	}

	now := c.sched.Now()
	if now.Sub(e.TimeSend) < rapidRetransmit {
		c.log.Warn("对端在短时间内重传",
			logger.String("remote", remote.String()),
			logger.Duration("since", now.Sub(e.TimeSend)))
		return Handled
	}

	for _, b := range e.bufs {
		if err := c.sender.SendTo(e.Local, e.Remote, b); err != nil {
			c.log.Error("重发缓存响应失败", logger.String("remote", remote.String()), logger.Err(err))
			break
		}
	}
	e.TimeSend = now
	e.retries++
	e.RetryCounter--
	e.RetryInterval = RetryInterval(e.retries, c.cfg.RetryInterval)
	c.log.Debug("重发缓存响应",
		logger.String("remote", remote.String()),
		logger.Int("left", e.RetryCounter),
		logger.Duration("next", e.RetryInterval))

	if e.RetryCounter <= 0 {
		delete(c.entries, key)
		c.log.Debug("重传次数用尽，删除缓存", logger.String("remote", remote.String()))
	}
	return Handled
}

// Add 记录为 request 发送的 response
func (c *Cache) Add(remote, local netip.AddrPort, response, request []byte, markerLen int) error {
	if c.cfg.RetryCounter == 0 {
		return nil
	}

	frames := [][]byte{response}
	if c.cfg.FragmentMTU > 0 && len(response) > c.cfg.FragmentMTU {
		c.fragID++
		fr, err := isakmp.Fragment(response, c.fragID, c.cfg.FragmentMTU)
		if err != nil {
			return err
		}
		frames = fr
	}

	bufs := make([][]byte, 0, len(frames))
	for _, f := range frames {
		b := make([]byte, 0, markerLen+len(f))
		if markerLen > 0 {
			b = append(b, make([]byte, NonESPMarkerLen)...)
		}
		b = append(b, f...)
		bufs = append(bufs, b)
	}

	now := c.sched.Now()
	c.entries[sum(request)] = &Entry{
		Remote:        remote,
		Local:         local,
		bufs:          bufs,
		RetryCounter:  c.cfg.RetryCounter,
		RetryInterval: c.cfg.RetryInterval,
		TimeSend:      now,
		Created:       now,
	}
	return nil
}

// Lookup 测试与诊断用
func (c *Cache) Lookup(request []byte) (*Entry, bool) {
	e, ok := c.entries[sum(request)]
	return e, ok
}

func (c *Cache) Len() int { return len(c.entries) }

func (c *Cache) lifetime() time.Duration {
	return time.Duration(c.cfg.RetryCounter) * c.cfg.RetryInterval
}

// Sweep 删除存在时间超过 retry_counter * retry_interval 的记录
func (c *Cache) Sweep() int {
	threshold := c.lifetime()
	now := c.sched.Now()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.Created) > threshold {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		c.log.Debug("清理过期重传缓存", logger.Int("removed", n), logger.Int("left", len(c.entries)))
	}
	return n
}

// Start 启动周期清理
func (c *Cache) Start() {
	if c.cfg.RetryCounter == 0 || c.sweepTok != 0 {
		return
	}
	c.armSweep()
}

func (c *Cache) armSweep() {
	c.sweepTok = c.sched.After(c.lifetime(), "recvcache-sweep", func() {
		c.Sweep()
		c.armSweep()
	})
}

// Stop 停止周期清理并清空缓存
func (c *Cache) Stop() {
	if c.sweepTok != 0 {
		c.sched.Cancel(c.sweepTok)
		c.sweepTok = 0
	}
	c.entries = make(map[digest]*Entry)
}
