package timelapse

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"triggercord/internal/clock"
	"triggercord/internal/logging"
	"triggercord/internal/metrics"
	"triggercord/internal/protocol"
	"triggercord/internal/runner"
)

var (
	// ErrNotFound は指定IDのスケジュールが無い場合のエラー
	ErrNotFound = errors.New("schedule not found")
	// ErrClosed は停止済みのスケジューラを操作した場合のエラー
	ErrClosed = errors.New("scheduler is closed")
)

// Submitter はジョブを実行キューへ渡す
type Submitter interface {
	Submit(job runner.Job) (*runner.Handle, error)
}

// JobFactory はコマンドからジョブを作る。空のコマンドはステータス取得
type JobFactory func(cmd protocol.Command) runner.Job

type entry struct {
	sched Schedule
	timer clock.Timer
}

// Scheduler は独立して取り消せる複数の繰り返し実行を管理する
//
// タイマーのコールバックはジョブの投入だけを行い、通信はしない。
type Scheduler struct {
	mu        sync.Mutex
	entries   map[string]*entry
	closed    bool
	awake     bool
	submitter Submitter
	jobs      JobFactory
	keepAwake KeepAwake
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *metrics.Registry
}

// Option はSchedulerの任意設定
type Option func(*Scheduler)

// WithClock は時刻ソースを指定する。期限の計算とタイマーの両方に使う
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger はロガーを指定する
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics はメトリクスの記録先を指定する
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithKeepAwake はスリープ抑止ヒントの通知先を指定する
func WithKeepAwake(k KeepAwake) Option {
	return func(s *Scheduler) { s.keepAwake = k }
}

// NewScheduler は新しいSchedulerを作成する
func NewScheduler(submitter Submitter, jobs JobFactory, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries:   make(map[string]*entry),
		submitter: submitter,
		jobs:      jobs,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.Or(s.clock)
	s.logger = logging.Or(s.logger).WithComponent("scheduler")
	return s
}

// Start はスケジュールを開始し、そのIDを返す
func (s *Scheduler) Start(p Params) (string, error) {
	return s.start("", p)
}

// StartBurst は delay 間隔で frames 回シャッターを切る
func (s *Scheduler) StartBurst(frames int, delay time.Duration) (string, error) {
	return s.Start(Params{TotalRuns: frames, Period: delay, Command: protocol.CmdShutter})
}

// StartPoll は interval 間隔でステータス取得を繰り返す
func (s *Scheduler) StartPoll(interval time.Duration) (string, error) {
	return s.Start(Params{Period: interval})
}

// PollOnce はステータス取得を1回だけ行う
func (s *Scheduler) PollOnce() (string, error) {
	return s.Start(Params{TotalRuns: 1})
}

// Fire はコマンドを1回だけ送る
func (s *Scheduler) Fire(cmd protocol.Command) (string, error) {
	if cmd == "" {
		return "", fmt.Errorf("コマンドが指定されていません")
	}
	return s.Start(Params{TotalRuns: 1, Command: cmd})
}

func (s *Scheduler) start(id string, p Params) (string, error) {
	if err := validate(p); err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if _, exists := s.entries[id]; exists {
		return "", fmt.Errorf("スケジュール %s は既に存在します", id)
	}

	e := &entry{sched: Schedule{
		ID:           id,
		RunIndex:     p.StartRunIndex,
		TotalRuns:    p.TotalRuns,
		NextDeadline: s.clock.Now().Add(p.InitialDelay),
		Period:       p.Period,
		Command:      p.Command,
	}}
	s.entries[id] = e
	e.timer = s.clock.AfterFunc(p.InitialDelay, func() { s.fire(id) })
	s.updateLocked()

	s.logger.Info("スケジュールを開始しました",
		"id", id, "action", Classify(e.sched), "run", p.StartRunIndex, "total", p.TotalRuns,
		"delay", p.InitialDelay, "period", p.Period)
	return id, nil
}

func validate(p Params) error {
	switch {
	case p.TotalRuns < 0:
		return fmt.Errorf("予定回数が負です: %d", p.TotalRuns)
	case p.StartRunIndex < 0:
		return fmt.Errorf("開始位置が負です: %d", p.StartRunIndex)
	case p.TotalRuns > 0 && p.StartRunIndex >= p.TotalRuns:
		return fmt.Errorf("実行済みのスケジュールです (%d/%d)", p.StartRunIndex, p.TotalRuns)
	case p.InitialDelay < 0:
		return fmt.Errorf("初回待ち時間が負です: %s", p.InitialDelay)
	case p.TotalRuns == 0 && p.Command != "":
		return fmt.Errorf("無制限の繰り返しはステータス取得のみ指定できます")
	case p.Period <= 0 && (p.TotalRuns == 0 || p.TotalRuns-p.StartRunIndex > 1):
		return fmt.Errorf("実行間隔は正の値が必要です: %s", p.Period)
	}
	return nil
}

// fire はタイマーから呼ばれ、スケジュールを進めてジョブを1つ投入する
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}

	next, action, done := Tick(e.sched, s.clock.Now())
	e.sched = next
	if done {
		delete(s.entries, id)
	} else {
		e.timer = s.clock.AfterFunc(next.Period, func() { s.fire(id) })
	}
	s.updateLocked()
	s.mu.Unlock()

	s.metrics.IncTick(string(action))
	if _, err := s.submitter.Submit(s.jobs(next.Command)); err != nil {
		s.logger.Warn("ジョブの投入に失敗しました", "id", id, "error", err)
	}

	if done {
		s.logger.Info("スケジュールが完了しました", "id", id, "runs", next.RunIndex)
	} else {
		s.logger.Debug("ティック", "id", id, "action", action, "run", next.RunIndex, "total", next.TotalRuns)
	}
}

// Cancel はスケジュールを取り消す。実行中のジョブはそのまま完了する
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.timer.Stop()
	delete(s.entries, id)
	s.updateLocked()

	s.logger.Info("スケジュールを取り消しました", "id", id, "run", e.sched.RunIndex, "total", e.sched.TotalRuns)
	return nil
}

// CancelAll は全スケジュールを取り消す
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
}

func (s *Scheduler) cancelAllLocked() {
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.updateLocked()
}

// Close は全スケジュールを取り消し、以後の開始を拒否する
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
	s.closed = true
}

// Countdown は全スケジュールの残り回数と残り時間を次回時刻順に返す
func (s *Scheduler) Countdown() []Countdown {
	now := s.clock.Now()

	s.mu.Lock()
	out := make([]Countdown, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Countdown{
			ID:            e.sched.ID,
			Action:        Classify(e.sched),
			Command:       e.sched.Command,
			RunIndex:      e.sched.RunIndex,
			TotalRuns:     e.sched.TotalRuns,
			RemainingRuns: e.sched.Remaining(),
			RemainingTime: ResumeDelay(e.sched.NextDeadline, now),
			NextDeadline:  e.sched.NextDeadline,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextDeadline.Equal(out[j].NextDeadline) {
			return out[i].NextDeadline.Before(out[j].NextDeadline)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get は指定IDのスケジュールを返す
func (s *Scheduler) Get(id string) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Schedule{}, false
	}
	return e.sched, true
}

// Snapshot は回数に上限があるスケジュールの状態を返す
//
// 無制限のステータス取得は設定から起動し直すため含めない。
func (s *Scheduler) Snapshot() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		if e.sched.Bounded() {
			out = append(out, e.sched)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore は保存されたスケジュールを再開する
//
// 残り回数があるものだけを max(0, NextDeadline-now) 後から再開する。
func (s *Scheduler) Restore(scheds []Schedule) ([]string, error) {
	now := s.clock.Now()

	var ids []string
	var errs []error
	for _, sc := range scheds {
		if !sc.Bounded() || sc.RunIndex >= sc.TotalRuns {
			s.logger.Debug("完了済みのスケジュールは再開しません", "id", sc.ID, "run", sc.RunIndex, "total", sc.TotalRuns)
			continue
		}
		id, err := s.start(sc.ID, Params{
			StartRunIndex: sc.RunIndex,
			TotalRuns:     sc.TotalRuns,
			InitialDelay:  ResumeDelay(sc.NextDeadline, now),
			Period:        sc.Period,
			Command:       sc.Command,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("スケジュール %s の再開に失敗: %w", sc.ID, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// KeepAwakeActive はスリープ抑止ヒントを出しているかを返す
func (s *Scheduler) KeepAwakeActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awake
}

// Len は有効なスケジュール数を返す
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// updateLocked はメトリクスとスリープ抑止ヒントを更新する（ロック済み前提）
//
// ヒントは複数回の連続撮影が残っている間だけ出す。
func (s *Scheduler) updateLocked() {
	s.metrics.SetActiveSchedules(len(s.entries))

	awake := false
	for _, e := range s.entries {
		if Classify(e.sched) == ActionBurst {
			awake = true
			break
		}
	}
	if awake == s.awake {
		return
	}
	s.awake = awake
	s.metrics.SetKeepAwake(awake)
	if s.keepAwake != nil {
		s.keepAwake.SetKeepAwake(awake)
	}
}
