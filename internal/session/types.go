package session

import (
	"fmt"
	"image"
	"time"
)

// StatusFields はステータス項目の取得順。毎回この順序で要求する
var StatusFields = []string{
	"camera_name",
	"lens_name",
	"current_shutter_speed",
	"current_aperture",
	"current_iso",
	"bufmask",
}

// StatusRecord は項目名から値への対応。後半の項目は欠けていることがある
type StatusRecord map[string]string

// Clone はレコードのコピーを返す
func (r StatusRecord) Clone() StatusRecord {
	if r == nil {
		return nil
	}
	out := make(StatusRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// BufferPresent は bufmask が "0" 以外のときに true
func (r StatusRecord) BufferPresent() bool {
	v, ok := r["bufmask"]
	return ok && v != "0"
}

// ProgressKind は進捗通知の種類
type ProgressKind string

// ProgressKind の定数定義
const (
	ProgressStatus   ProgressKind = "status"   // ステータス項目の取得完了
	ProgressPreview  ProgressKind = "preview"  // プレビュー画像の取得完了
	ProgressTransfer ProgressKind = "transfer" // 画像転送の途中経過
	ProgressImage    ProgressKind = "image"    // 画像ファイルの保存完了
)

// NoPercent は進捗率が無いことを示す
const NoPercent = -1

// Progress はセッション途中の通知。終了結果より前に0回以上送られる
type Progress struct {
	Kind        ProgressKind
	Status      StatusRecord // その時点までのステータス
	Preview     image.Image  // デコード済みプレビュー（無効時・失敗時はnil）
	PreviewData []byte       // プレビューの生データ
	Bytes       int64        // 転送済みバイト数
	Percent     int          // 0-100 または NoPercent
	File        string       // 保存先ファイル
}

// Outcome はセッション結果の種類
type Outcome string

// Outcome の定数定義
const (
	OutcomeNone    Outcome = "none"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Result はセッションの終了結果。1セッションにつき必ず1つ
type Result struct {
	Outcome Outcome
	Elapsed time.Duration
	Err     error
}

// Success は所要時間付きの成功結果を返す
func Success(elapsed time.Duration) Result {
	return Result{Outcome: OutcomeSuccess, Elapsed: elapsed}
}

// Failure は失敗結果を返す
func Failure(err error) Result {
	return Result{Outcome: OutcomeFailure, Err: err}
}

// None は結果を持たないコマンド送信のみの結果を返す
func None() Result {
	return Result{Outcome: OutcomeNone}
}

// Message は利用者向けの表示文字列を返す。OutcomeNone の場合は空
func (r Result) Message() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("Time: %.3fs", r.Elapsed.Seconds())
	case OutcomeFailure:
		if r.Err == nil {
			return "unknown failure"
		}
		return r.Err.Error()
	default:
		return ""
	}
}
