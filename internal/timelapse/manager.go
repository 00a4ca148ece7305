package timelapse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"triggercord/internal/clock"
	"triggercord/internal/logging"
	"triggercord/internal/protocol"
	"triggercord/internal/state"
)

// PreviewStore は保存・復元するプレビュー画像の置き場所
type PreviewStore interface {
	PreviewData() []byte
	RestorePreview(data []byte) error
}

// Manager は撮影スケジュール全体を管理するインターフェース
type Manager interface {
	// システム制御
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// 撮影操作
	StartBurst(frames int, delay time.Duration) (string, error)
	Fire(cmd protocol.Command) (string, error)
	PollOnce() (string, error)
	Cancel(id string) error

	// データ取得
	Countdown() []Countdown
	Status() StatusInfo
	GetConfig() Config
}

// StatusInfo はスケジューラ全体の状態情報
type StatusInfo struct {
	Schedules  int           `json:"schedules"`
	KeepAwake  bool          `json:"keep_awake"`
	PollID     string        `json:"poll_id,omitempty"`
	FrameCount int           `json:"frame_count"`
	Delay      time.Duration `json:"delay"`
	RestoredAt time.Time     `json:"restored_at,omitempty"`
}

// DefaultManager はManagerのデフォルト実装
//
// 起動時に保存済みの状態を復元し、停止時に現在の状態を保存する。
type DefaultManager struct {
	scheduler  *Scheduler
	store      state.Store
	previews   PreviewStore
	config     Config
	clock      clock.Clock
	logger     *logging.Logger
	mu         sync.RWMutex
	pollID     string
	restoredAt time.Time
}

// NewDefaultManager は新しいDefaultManagerを作成する。store と previews は nil でもよい
func NewDefaultManager(scheduler *Scheduler, store state.Store, previews PreviewStore, config Config, clk clock.Clock, logger *logging.Logger) *DefaultManager {
	return &DefaultManager{
		scheduler: scheduler,
		store:     store,
		previews:  previews,
		config:    config,
		clock:     clock.Or(clk),
		logger:    logging.Or(logger).WithComponent("timelapse"),
	}
}

// Start は保存済みの状態を復元し、設定に応じてステータス取得を開始する
func (m *DefaultManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.restoreLocked(); err != nil {
		// 復元できなくても新規に動作を始める
		m.logger.Warn("保存済み状態の復元に失敗しました", "error", err)
	}

	if m.config.PollEnabled {
		id, err := m.scheduler.StartPoll(m.config.PollInterval)
		if err != nil {
			return fmt.Errorf("ステータス取得の開始に失敗: %w", err)
		}
		m.pollID = id
	}

	m.logger.Info("スケジューラを開始しました", "poll", m.config.PollEnabled, "interval", m.config.PollInterval)
	return nil
}

func (m *DefaultManager) restoreLocked() error {
	if m.store == nil {
		return nil
	}

	snap, err := m.store.Load()
	if err != nil {
		return err
	}

	if snap.FrameCount > 0 {
		m.config.FrameCount = snap.FrameCount
	}
	if snap.DelaySeconds > 0 {
		m.config.Delay = time.Duration(snap.DelaySeconds) * time.Second
	}

	if m.previews != nil {
		preview, err := snap.Preview()
		if err == nil {
			err = m.previews.RestorePreview(preview)
		}
		if err != nil {
			m.logger.Warn("プレビューを復元できませんでした", "error", err)
		}
	}

	scheds := make([]Schedule, 0, len(snap.Schedules))
	for _, sc := range snap.Schedules {
		period, err := sc.PeriodDuration()
		if err != nil {
			m.logger.Warn("スケジュールを読み飛ばしました", "id", sc.ID, "error", err)
			continue
		}
		scheds = append(scheds, Schedule{
			ID:           sc.ID,
			RunIndex:     sc.CurrentRun,
			TotalRuns:    sc.TotalRuns,
			NextDeadline: sc.NextDeadline,
			Period:       period,
			Command:      protocol.Command(sc.Command),
		})
	}

	ids, err := m.scheduler.Restore(scheds)
	if len(ids) > 0 {
		m.restoredAt = m.clock.Now()
		m.logger.Info("スケジュールを復元しました", "count", len(ids))
	}
	return err
}

// Stop は現在の状態を保存し、全スケジュールを止める
func (m *DefaultManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 取り消す前に保存する
	saveErr := m.saveLocked()
	m.scheduler.Close()
	m.pollID = ""

	if saveErr != nil {
		return fmt.Errorf("状態の保存に失敗: %w", saveErr)
	}
	m.logger.Info("スケジューラを停止しました")
	return nil
}

func (m *DefaultManager) saveLocked() error {
	if m.store == nil {
		return nil
	}

	snap := &state.Snapshot{
		FrameCount:   m.config.FrameCount,
		DelaySeconds: int(m.config.Delay / time.Second),
		SavedAt:      m.clock.Now(),
	}
	if m.previews != nil {
		snap.SetPreview(m.previews.PreviewData())
	}
	for _, sc := range m.scheduler.Snapshot() {
		snap.Schedules = append(snap.Schedules, state.Schedule{
			ID:           sc.ID,
			NextDeadline: sc.NextDeadline,
			CurrentRun:   sc.RunIndex,
			TotalRuns:    sc.TotalRuns,
			Period:       sc.Period.String(),
			Command:      string(sc.Command),
		})
	}
	return m.store.Save(snap)
}

// StartBurst は連続撮影を開始し、その枚数と間隔を次回のデフォルトとして記録する
func (m *DefaultManager) StartBurst(frames int, delay time.Duration) (string, error) {
	if frames <= 0 {
		return "", fmt.Errorf("撮影枚数は1以上が必要です: %d", frames)
	}

	id, err := m.scheduler.StartBurst(frames, delay)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.config.FrameCount = frames
	m.config.Delay = delay
	m.mu.Unlock()
	return id, nil
}

// Fire はコマンドを1回だけ送る
func (m *DefaultManager) Fire(cmd protocol.Command) (string, error) {
	return m.scheduler.Fire(cmd)
}

// PollOnce はステータス取得を1回だけ行う
func (m *DefaultManager) PollOnce() (string, error) {
	return m.scheduler.PollOnce()
}

// Cancel はスケジュールを取り消す
func (m *DefaultManager) Cancel(id string) error {
	if err := m.scheduler.Cancel(id); err != nil {
		return err
	}
	m.mu.Lock()
	if id == m.pollID {
		m.pollID = ""
	}
	m.mu.Unlock()
	return nil
}

// Countdown は全スケジュールの残り回数と残り時間を返す
func (m *DefaultManager) Countdown() []Countdown {
	return m.scheduler.Countdown()
}

// Status はスケジューラ全体の状態を返す
func (m *DefaultManager) Status() StatusInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StatusInfo{
		Schedules:  m.scheduler.Len(),
		KeepAwake:  m.scheduler.KeepAwakeActive(),
		PollID:     m.pollID,
		FrameCount: m.config.FrameCount,
		Delay:      m.config.Delay,
		RestoredAt: m.restoredAt,
	}
}

// GetConfig は設定を取得する
func (m *DefaultManager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}
