package clock

import (
	"sync"
	"time"
)

// Clock 抽象时间来源，便于测试中控制 TTL 与交易日。
type Clock interface {
	Now() time.Time
}

// Real 使用系统时间。
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake 为可手动拨动的时钟，可前进也可回拨。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance 将时钟向前推进 d，d 为负时回拨。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
