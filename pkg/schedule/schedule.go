package schedule

import (
	"container/heap"
	"time"
)

// Clock 可注入的时钟
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock 系统时钟
var RealClock Clock = realClock{}

// Token 可取消的定时事件句柄，零值表示无事件
type Token uint64

type item struct {
	token Token
	when  time.Time
	seq   uint64
	name  string
	fn    func()
	index int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler 单一逻辑定时队列
// 只在事件循环所在 goroutine 中使用，不加锁
type Scheduler struct {
	clock  Clock
	items  itemHeap
	byTok  map[Token]*item
	nextID uint64
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{
		clock: clock,
		byTok: make(map[Token]*item),
	}
}

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// After 在 d 之后执行 fn
func (s *Scheduler) After(d time.Duration, name string, fn func()) Token {
	return s.At(s.clock.Now().Add(d), name, fn)
}

// At 在指定时刻执行 fn
func (s *Scheduler) At(when time.Time, name string, fn func()) Token {
	s.nextID++
	it := &item{
		token: Token(s.nextID),
		when:  when,
		seq:   s.nextID,
		name:  name,
		fn:    fn,
	}
	heap.Push(&s.items, it)
	s.byTok[it.token] = it
	return it.token
}

// Cancel 取消事件；已执行或不存在返回 false
func (s *Scheduler) Cancel(tok Token) bool {
	it, ok := s.byTok[tok]
	if !ok {
		return false
	}
	delete(s.byTok, tok)
	heap.Remove(&s.items, it.index)
	return true
}

// Pending 事件是否仍在队列中
func (s *Scheduler) Pending(tok Token) bool {
	_, ok := s.byTok[tok]
	return ok
}

// When 返回事件的触发时刻
func (s *Scheduler) When(tok Token) (time.Time, bool) {
	it, ok := s.byTok[tok]
	if !ok {
		return time.Time{}, false
	}
	return it.when, true
}

// Next 最早的触发时刻
func (s *Scheduler) Next() (time.Time, bool) {
	if len(s.items) == 0 {
		return time.Time{}, false
	}
	return s.items[0].when, true
}

func (s *Scheduler) Len() int { return len(s.items) }

// RunDue 依次执行所有已到期事件，返回执行数量
// 回调中新加入且已到期的事件在同一轮中执行
func (s *Scheduler) RunDue() int {
	n := 0
	for len(s.items) > 0 {
		now := s.clock.Now()
		it := s.items[0]
		if it.when.After(now) {
			break
		}
		heap.Pop(&s.items)
		delete(s.byTok, it.token)
		n++
		it.fn()
	}
	return n
}
