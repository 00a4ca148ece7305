// Package camera はセッションの進捗と結果を受け取り、表示用の状態として保持する
//
// # 責務
// - 進捗・結果の反映（ステータス項目、プレビュー、転送率、結果メッセージ）
// - 状態のスナップショット提供
// - 購読者へのイベント配信
//
// # 仕様
// - Monitor は runner.Sink を実装し、通知は配送用ゴルーチンから順番に届く
// - ステータス項目は上書きのみで、失敗時にも消去しない
// - 購読者の受信が追いつかない場合、そのイベントは捨てる
// - Thread-safe な操作をサポート
package camera
