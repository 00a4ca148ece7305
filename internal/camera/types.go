package camera

import (
	"image"
	"time"

	"triggercord/internal/session"
)

// Status はカメラとの通信状態を表す
type Status string

const (
	StatusInactive Status = "inactive" // まだ通信していない
	StatusActive   Status = "active"   // 直近のセッションが成功
	StatusError    Status = "error"    // 直近のセッションが失敗
)

// State はモニターが保持する表示用の状態
type State struct {
	Status      Status               // 通信状態
	Fields      session.StatusRecord // 最後に受け取ったステータス項目（失敗時も保持）
	Message     string               // 直近の結果メッセージ
	Percent     int                  // 転送進捗（session.NoPercent で未転送）
	Preview     image.Image          // 直近のプレビュー画像
	PreviewData []byte               // 直近のプレビューの生データ
	LastFile    string               // 直近に保存した画像ファイル
	LastJob     string               // 直近に結果を返したジョブ
	UpdatedAt   time.Time            // 最終更新時刻
}

// Clone は内部のマップやスライスを共有しないコピーを返す
func (s State) Clone() State {
	s.Fields = s.Fields.Clone()
	if s.PreviewData != nil {
		s.PreviewData = append([]byte(nil), s.PreviewData...)
	}
	return s
}

// EventType は購読者に送るイベントの種類
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
)

// Event は購読者に送る通知。WebSocketでそのままJSONとして送信する
type Event struct {
	Type    EventType         `json:"type"`
	Job     string            `json:"job"`
	Kind    string            `json:"kind,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Percent int               `json:"percent"`
	Bytes   int64             `json:"bytes,omitempty"`
	File    string            `json:"file,omitempty"`
	Outcome string            `json:"outcome,omitempty"`
	Message string            `json:"message,omitempty"`
	Time    time.Time         `json:"time"`
}
