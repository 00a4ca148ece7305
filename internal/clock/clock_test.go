package clock

import (
	"testing"
	"time"
)

func TestMockClock_Advance(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(base)

	mock.Advance(time.Hour)

	if got := mock.Now(); !got.Equal(base.Add(time.Hour)) {
		t.Errorf("Advance後のNow() = %v, want %v", got, base.Add(time.Hour))
	}
	if got := mock.Since(base); got != time.Hour {
		t.Errorf("Since() = %v, want %v", got, time.Hour)
	}
	if got := mock.Until(base.Add(3 * time.Hour)); got != 2*time.Hour {
		t.Errorf("Until() = %v, want %v", got, 2*time.Hour)
	}
}

func TestMockClock_Set(t *testing.T) {
	mock := NewMockClock(time.Time{})
	want := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(want)

	if got := mock.Now(); !got.Equal(want) {
		t.Errorf("Set後のNow() = %v, want %v", got, want)
	}
}

func TestOr(t *testing.T) {
	if _, ok := Or(nil).(RealClock); !ok {
		t.Error("nilの場合はRealClockを返すべき")
	}

	mock := NewMockClock(time.Now())
	if Or(mock) != Clock(mock) {
		t.Error("nil以外はそのまま返すべき")
	}
}

func TestMockClock_AfterFunc(t *testing.T) {
	mock := NewMockClock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))

	var fired []string
	mock.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	mock.AfterFunc(time.Second, func() { fired = append(fired, "early") })
	stopped := mock.AfterFunc(time.Second, func() { fired = append(fired, "stopped") })

	if !stopped.Stop() {
		t.Error("未発火のタイマーはStopでtrueを返すべき")
	}

	mock.Advance(500 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("期限前に発火しました: %v", fired)
	}

	mock.Advance(2 * time.Second)
	if len(fired) != 2 || fired[0] != "early" || fired[1] != "late" {
		t.Errorf("発火順 = %v, want [early late]", fired)
	}
	if n := mock.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
	if stopped.Stop() {
		t.Error("停止済みのタイマーはStopでfalseを返すべき")
	}
}

func TestMockClock_AfterFuncImmediate(t *testing.T) {
	mock := NewMockClock(time.Now())

	done := make(chan struct{})
	mock.AfterFunc(0, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("待ち時間0のタイマーが発火しません")
	}
}

func TestRealClock_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	RealClock{}.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("タイマーが発火しません")
	}
}
