package timelapse

import (
	"time"

	"triggercord/internal/protocol"
)

// Action はティックで実行する処理の種類
type Action string

// Action の定数定義
const (
	ActionBurst  Action = "burst"  // 複数回撮影の1コマ
	ActionSingle Action = "single" // 1回だけのコマンド送信
	ActionPoll   Action = "poll"   // ステータス取得
)

// Schedule は繰り返し実行の状態。Tick によってのみ進む
type Schedule struct {
	ID           string           `json:"id"`
	RunIndex     int              `json:"run_index"`     // 実行済み回数
	TotalRuns    int              `json:"total_runs"`    // 予定回数（0で無制限）
	NextDeadline time.Time        `json:"next_deadline"` // 次回の実行時刻
	Period       time.Duration    `json:"period"`        // 実行間隔
	Command      protocol.Command `json:"command"`       // 空ならステータス取得
}

// Bounded は回数に上限があるスケジュールかを返す
func (s Schedule) Bounded() bool {
	return s.TotalRuns > 0
}

// Remaining は残り回数を返す。無制限の場合は -1
func (s Schedule) Remaining() int {
	if !s.Bounded() {
		return -1
	}
	return max(0, s.TotalRuns-s.RunIndex)
}

// Params はスケジュール開始時の指定
type Params struct {
	StartRunIndex int
	TotalRuns     int // 0でステータス取得を無制限に繰り返す
	InitialDelay  time.Duration
	Period        time.Duration
	Command       protocol.Command
}

// Countdown は表示用の残り回数と残り時間
type Countdown struct {
	ID            string           `json:"id"`
	Action        Action           `json:"action"`
	Command       protocol.Command `json:"command,omitempty"`
	RunIndex      int              `json:"run_index"`
	TotalRuns     int              `json:"total_runs"`
	RemainingRuns int              `json:"remaining_runs"`
	RemainingTime time.Duration    `json:"remaining_time"`
	NextDeadline  time.Time        `json:"next_deadline"`
}

// KeepAwake はスリープ抑止ヒントを環境へ伝える
type KeepAwake interface {
	SetKeepAwake(on bool)
}

// KeepAwakeFunc は関数をKeepAwakeとして使うためのアダプタ
type KeepAwakeFunc func(on bool)

// SetKeepAwake は f(on) を呼ぶ
func (f KeepAwakeFunc) SetKeepAwake(on bool) {
	f(on)
}

// Config はスケジューラ全体の設定
type Config struct {
	PollEnabled  bool          // 起動時にステータス取得を開始するか
	PollInterval time.Duration // ステータス取得の間隔
	FrameCount   int           // 連続撮影のデフォルト枚数
	Delay        time.Duration // 連続撮影のデフォルト間隔
}

// DefaultConfig はデフォルトの設定を返す
func DefaultConfig() Config {
	return Config{
		PollEnabled:  true,
		PollInterval: 5 * time.Second,
		FrameCount:   1,
		Delay:        5 * time.Second,
	}
}
