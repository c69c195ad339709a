package schedule

import (
	"testing"
	"time"
)

func TestSchedulerOrderAndCancel(t *testing.T) {
	clk := NewFakeClock(time.Time{})
	s := New(clk)

	var fired []string
	s.After(3*time.Second, "c", func() { fired = append(fired, "c") })
	tokB := s.After(2*time.Second, "b", func() { fired = append(fired, "b") })
	s.After(1*time.Second, "a", func() { fired = append(fired, "a") })
	s.After(1*time.Second, "a2", func() { fired = append(fired, "a2") })

	if !s.Cancel(tokB) {
		t.Fatal("取消待执行事件应成功")
	}
	if s.Cancel(tokB) {
		t.Error("重复取消应返回 false")
	}
	if s.Pending(tokB) {
		t.Error("已取消事件不应处于待执行状态")
	}

	if n := clk.AdvanceAndRun(s, 500*time.Millisecond); n != 0 {
		t.Errorf("未到期不应执行, 执行了 %d", n)
	}
	if n := clk.AdvanceAndRun(s, 5*time.Second); n != 3 {
		t.Errorf("执行数量 = %d, want 3", n)
	}
	want := []string{"a", "a2", "c"}
	if len(fired) != len(want) {
		t.Fatalf("执行顺序 = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("执行顺序 = %v, want %v", fired, want)
		}
	}
	if s.Len() != 0 {
		t.Errorf("队列应为空, 剩余 %d", s.Len())
	}
}

func TestSchedulerRescheduleFromCallback(t *testing.T) {
	clk := NewFakeClock(time.Time{})
	s := New(clk)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			s.After(time.Second, "tick", tick)
		}
	}
	s.After(time.Second, "tick", tick)

	for i := 0; i < 5; i++ {
		clk.AdvanceAndRun(s, time.Second)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestSchedulerNextAndWhen(t *testing.T) {
	clk := NewFakeClock(time.Time{})
	s := New(clk)
	if _, ok := s.Next(); ok {
		t.Error("空队列不应有下一个事件")
	}
	tok := s.After(10*time.Second, "x", func() {})
	when, ok := s.When(tok)
	if !ok || !when.Equal(clk.Now().Add(10*time.Second)) {
		t.Errorf("When = %v, %v", when, ok)
	}
	next, _ := s.Next()
	if !next.Equal(when) {
		t.Errorf("Next = %v, want %v", next, when)
	}
}
