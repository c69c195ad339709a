package schedule

import "time"

// FakeClock 测试用时钟，只有 Advance 才会前进
type FakeClock struct {
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time { return c.now }

func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// AdvanceAndRun 前进时钟并执行到期事件
func (c *FakeClock) AdvanceAndRun(s *Scheduler, d time.Duration) int {
	c.Advance(d)
	return s.RunDue()
}
