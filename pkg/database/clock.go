package database

import (
	"sync"
	"time"
)

// MonotonicClock 返回严格递增的 UTC 时间。
// 当系统时钟回拨或两次调用落在同一时钟刻度内时，结果在上一次基础上加 1µs。
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewMonotonicClock 创建一个新的 MonotonicClock。
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{}
}

// Now 返回当前时间，保证比之前返回的任何值都大。
// 精度截断到微秒，MySQL DATETIME(6) 和 SQLite 文本时间都能无损保存。
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}
