// Package cooldown 冷却窗口跟踪器：同一键在窗口内最多派发一次告警
package cooldown

import (
	"sync"
	"time"

	"github.com/4peng/Udara-sub000/internal/models"
)

// DefaultWindow 默认冷却窗口
const DefaultWindow = time.Hour

// Key 冷却键
type Key struct {
	UserID   string
	DeviceID string
	Severity models.Severity
}

// Tracker 进程内冷却跟踪器
// 已知限制：不持久化，进程重启后冷却全部清零，
// 每个受影响的键最多产生一次重复告警（可接受的降级行为）
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	last   map[Key]time.Time
}

// NewTracker 创建冷却跟踪器，window <= 0 时使用 DefaultWindow
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window: window,
		last:   make(map[Key]time.Time),
	}
}

// ShouldSuppress 只读检查：窗口内已派发过则返回 true，不记录
func (t *Tracker) ShouldSuppress(key Key, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressedLocked(key, now)
}

// RecordDispatch 记录一次派发
// 在派发决定作出后立即调用，不管推送最终是否成功，
// 避免推送失败引起窗口内重试风暴
func (t *Tracker) RecordDispatch(key Key, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[key] = now
}

// CheckAndRecord 原子的检查并记录
// 窗口内已派发返回 false；否则记录本次派发并返回 true。
// 并发处理同一设备的多条读数时必须用此方法，
// 分离的读-写会产生重复告警的竞态
func (t *Tracker) CheckAndRecord(key Key, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suppressedLocked(key, now) {
		return false
	}
	t.last[key] = now
	return true
}

// Sweep 清理超出窗口的条目，返回清理数量
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, last := range t.last {
		if now.Sub(last) >= t.window {
			delete(t.last, key)
			removed++
		}
	}
	return removed
}

// Len 当前跟踪的键数量
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

func (t *Tracker) suppressedLocked(key Key, now time.Time) bool {
	last, ok := t.last[key]
	if !ok {
		return false
	}
	return now.Sub(last) < t.window
}
