package session

import (
	"time"

	"github.com/iniwex5/isakmp-go/pkg/schedule"
)

// 句柄上常用的定时事件名
const (
	EventResend  = "resend"
	EventTimeout = "timeout"
	EventExpire  = "expire"
	EventSoft    = "soft-expire"
	EventRekey   = "rekey"
	EventDPD     = "dpd"
	EventPurge   = "purge"
)

// Timers 句柄持有的可取消定时事件，同名事件只保留一个
type Timers struct {
	sched *schedule.Scheduler
	toks  map[string]schedule.Token
}

func newTimers(s *schedule.Scheduler) Timers {
	return Timers{sched: s, toks: make(map[string]schedule.Token)}
}

// Set 安排事件，替换同名的旧事件
func (t *Timers) Set(name string, d time.Duration, fn func()) {
	t.Stop(name)
	var tok schedule.Token
	tok = t.sched.After(d, name, func() {
		if t.toks[name] == tok {
			delete(t.toks, name)
		}
		fn()
	})
	t.toks[name] = tok
}

// Stop 取消事件
func (t *Timers) Stop(name string) {
	if tok, ok := t.toks[name]; ok {
		t.sched.Cancel(tok)
		delete(t.toks, name)
	}
}

func (t *Timers) Has(name string) bool {
	_, ok := t.toks[name]
	return ok
}

// When 事件触发时刻
func (t *Timers) When(name string) (time.Time, bool) {
	tok, ok := t.toks[name]
	if !ok {
		return time.Time{}, false
	}
	return t.sched.When(tok)
}

// Pending 是否还有待执行事件
func (t *Timers) Pending() bool {
	return len(t.toks) > 0
}

// StopAll 销毁句柄前必须调用
func (t *Timers) StopAll() {
	for name, tok := range t.toks {
		t.sched.Cancel(tok)
		delete(t.toks, name)
	}
}
