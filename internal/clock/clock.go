// Package clock はテスト可能な時刻ソースとタイマーを提供する
//
// 本番では time パッケージを包むだけ。テストでは MockClock を注入する。
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock は時刻取得とタイマーのインターフェース
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
	// AfterFunc は d 経過後に f を別のゴルーチンで呼ぶ
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer は AfterFunc で登録したタイマー
type Timer interface {
	// Stop は未発火のタイマーを止め、止めた場合に true を返す
	Stop() bool
}

// RealClock はシステム時刻を返す
type RealClock struct{}

// Now は現在時刻を返す
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since は t からの経過時間を返す
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Until は t までの残り時間を返す
func (RealClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

// AfterFunc は time.AfterFunc を呼ぶ
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockClock は時刻を手動で操作できるテスト用クロック
//
// タイマーは Set か Advance で期限を過ぎたときに発火する。
// 待ち時間が0以下のタイマーは登録時にすぐ発火する。
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	f        func()
	done     bool
}

// Stop はタイマーを止める
func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// NewMockClock は指定時刻で止まったMockClockを作成する
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// Now はモック時刻を返す
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since はモック時刻基準の経過時間を返す
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until はモック時刻基準の残り時間を返す
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// AfterFunc はモック時刻が d 進んだときに f を呼ぶタイマーを登録する
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{clock: c, deadline: c.current.Add(d), f: f}
	if d <= 0 {
		t.done = true
		go f()
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

// Set はモック時刻を設定し、期限を過ぎたタイマーを発火する
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
	c.fireDue()
}

// Advance はモック時刻を d だけ進め、期限を過ぎたタイマーを発火する
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
	c.fireDue()
}

// fireDue は期限を過ぎたタイマーを期限順に呼び出し元のゴルーチンで実行する
func (c *MockClock) fireDue() {
	c.mu.Lock()
	var due []*mockTimer
	pending := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.done:
		case !t.deadline.After(c.current):
			t.done = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.f()
	}
}

// Pending は未発火のタイマー数を返す
func (c *MockClock) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Or は c が nil の場合に RealClock を返す
func Or(c Clock) Clock {
	if c == nil {
		return RealClock{}
	}
	return c
}
