// Package server は、カメラセッションを操作するHTTP APIと映像配信を提供します。
//
// 責務:
//   - キャプチャの開始・停止、回転角の設定
//   - セッション状態とデバイス一覧の取得
//   - MJPEG (multipart/x-mixed-replace) とWebSocketによるフレーム配信
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - ルーティングはginを使用
//   - WebSocketはgorilla/websocketを使用
//   - グレースフルシャットダウンに対応
//   - 複数クライアントの同時接続をサポート
package server
