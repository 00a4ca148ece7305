// Package server は、カメラ制御クライアントのHTTP APIを提供します。
//
// 責務:
//   - ginによるルーティングとリクエスト処理
//   - スケジュールの作成・取り消し・一覧
//   - ステータスとプレビュー画像の参照
//   - WebSocket (/api/events) による進捗と結果の配信
//   - /metrics でのPrometheusメトリクスの公開
//
// 仕様:
//   - カメラとの通信は行わず、timelapse.Manager にジョブを依頼するだけ
//   - グレースフルシャットダウン時は接続中のWebSocketも閉じる
package server
