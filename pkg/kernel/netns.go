package kernel

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// NetNS 表示一个网络命名空间
type NetNS struct {
	name   string
	handle netns.NsHandle
	origin netns.NsHandle // 原始命名空间句柄，用于恢复
	owned  bool           // 由本进程创建，Delete 时一并删除
}

// OpenNetNS 打开已存在的命名空间
func OpenNetNS(name string) (*NetNS, error) {
	origin, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("获取原始 netns 失败: %v", err)
	}
	handle, err := netns.GetFromName(name)
	if err != nil {
		origin.Close()
		return nil, fmt.Errorf("打开 netns %s 失败: %v", name, err)
	}
	return &NetNS{name: name, handle: handle, origin: origin}, nil
}

// NewNetNS 创建新的网络命名空间
// 注意: netns.NewNamed 会把当前线程切换进新命名空间，这里立即切回
func NewNetNS(name string) (*NetNS, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("获取原始 netns 失败: %v", err)
	}
	handle, err := netns.NewNamed(name)
	if err != nil {
		origin.Close()
		return nil, fmt.Errorf("创建 netns %s 失败: %v", name, err)
	}
	if err := netns.Set(origin); err != nil {
		handle.Close()
		origin.Close()
		return nil, fmt.Errorf("恢复原始 netns 失败: %v", err)
	}
	return &NetNS{name: name, handle: handle, origin: origin, owned: true}, nil
}

// Enter 进入网络命名空间
// 注意: 需要 CAP_SYS_ADMIN 权限
func (ns *NetNS) Enter() error {
	// 锁定当前 goroutine 到 OS 线程
	runtime.LockOSThread()

	if !ns.handle.IsOpen() || !ns.origin.IsOpen() {
		runtime.UnlockOSThread()
		return fmt.Errorf("netns 句柄不可用")
	}
	if err := netns.Set(ns.handle); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("切换 netns 失败: %v", err)
	}
	return nil
}

// Exit 恢复到原始命名空间
func (ns *NetNS) Exit() error {
	defer runtime.UnlockOSThread()
	if ns.origin.IsOpen() {
		if err := netns.Set(ns.origin); err != nil {
			return fmt.Errorf("恢复原始 netns 失败: %v", err)
		}
	}
	return nil
}

// RunInNS 在命名空间内执行函数；其中创建的 netlink 套接字留在该命名空间
func (ns *NetNS) RunInNS(fn func() error) error {
	if err := ns.Enter(); err != nil {
		return err
	}
	defer ns.Exit()
	return fn()
}

// Close 关闭句柄；自建的命名空间同时删除
func (ns *NetNS) Close() error {
	if ns.handle.IsOpen() {
		ns.handle.Close()
	}
	if ns.origin.IsOpen() {
		ns.origin.Close()
	}
	if !ns.owned {
		return nil
	}
	if err := netns.DeleteNamed(ns.name); err != nil {
		return fmt.Errorf("删除 netns %s 失败: %v", ns.name, err)
	}
	return nil
}

func (ns *NetNS) Handle() netns.NsHandle { return ns.handle }

func (ns *NetNS) Name() string { return ns.name }
