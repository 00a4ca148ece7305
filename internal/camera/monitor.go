package camera

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // 保存済みプレビューのデコード用
	_ "image/png"  // 保存済みプレビューのデコード用
	"sync"

	"github.com/google/uuid"

	"triggercord/internal/clock"
	"triggercord/internal/logging"
	"triggercord/internal/session"
)

// DefaultSubscriberBuffer は購読チャンネルのデフォルト容量
const DefaultSubscriberBuffer = 64

// Monitor はセッションの通知を状態へ反映し、購読者へ配信する
type Monitor struct {
	mu          sync.RWMutex
	state       State
	subscribers map[string]chan Event
	clock       clock.Clock
	logger      *logging.Logger
}

// NewMonitor は新しいMonitorを作成する
func NewMonitor(clk clock.Clock, logger *logging.Logger) *Monitor {
	return &Monitor{
		state: State{
			Status:  StatusInactive,
			Fields:  session.StatusRecord{},
			Percent: session.NoPercent,
		},
		subscribers: make(map[string]chan Event),
		clock:       clock.Or(clk),
		logger:      logging.Or(logger).WithComponent("monitor"),
	}
}

// OnProgress は進捗を状態へ反映する
func (m *Monitor) OnProgress(job string, p session.Progress) {
	now := m.clock.Now()

	m.mu.Lock()
	for k, v := range p.Status {
		m.state.Fields[k] = v
	}
	switch p.Kind {
	case session.ProgressPreview:
		m.state.Preview = p.Preview
		m.state.PreviewData = p.PreviewData
	case session.ProgressTransfer:
		m.state.Percent = p.Percent
	case session.ProgressImage:
		m.state.Percent = p.Percent
		m.state.LastFile = p.File
	}
	m.state.UpdatedAt = now
	m.mu.Unlock()

	m.broadcast(Event{
		Type:    EventProgress,
		Job:     job,
		Kind:    string(p.Kind),
		Fields:  p.Status.Clone(),
		Percent: p.Percent,
		Bytes:   p.Bytes,
		File:    p.File,
		Time:    now,
	})
}

// OnResult は結果を状態へ反映する。ステータス項目は変更しない
func (m *Monitor) OnResult(job string, r session.Result) {
	now := m.clock.Now()
	msg := r.Message()

	m.mu.Lock()
	switch r.Outcome {
	case session.OutcomeSuccess:
		m.state.Status = StatusActive
		m.state.Message = msg
	case session.OutcomeFailure:
		m.state.Status = StatusError
		m.state.Message = msg
	}
	m.state.LastJob = job
	m.state.UpdatedAt = now
	m.mu.Unlock()

	if r.Outcome == session.OutcomeFailure {
		m.logger.Warn("セッション失敗", "job", job, "message", msg)
	}

	m.broadcast(Event{
		Type:    EventResult,
		Job:     job,
		Percent: session.NoPercent,
		Outcome: string(r.Outcome),
		Message: msg,
		Time:    now,
	})
}

// Snapshot は現在の状態のコピーを返す
func (m *Monitor) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// PreviewData は直近のプレビューの生データを返す
func (m *Monitor) PreviewData() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.state.PreviewData...)
}

// RestorePreview は保存済みのプレビューを状態に戻す
func (m *Monitor) RestorePreview(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("保存済みプレビューのデコードに失敗: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Preview = img
	m.state.PreviewData = append([]byte(nil), data...)
	return nil
}

// Subscribe はイベントを受け取るチャンネルと購読解除関数を返す
//
// 解除するとチャンネルは閉じられる。受信が追いつかない間のイベントは捨てる。
func (m *Monitor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	id := uuid.New().String()
	ch := make(chan Event, buffer)

	m.mu.Lock()
	m.subscribers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				close(c)
			}
		})
	}
}

// SubscriberCount は購読者数を返す
func (m *Monitor) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

func (m *Monitor) broadcast(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("購読者の受信が追いつかないためイベントを破棄しました", "subscriber", id, "type", ev.Type)
		}
	}
}
