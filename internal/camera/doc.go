// Package camera 単一のカメラキャプチャセッションを管理する
//
// # 責務
// - デバイス構成の列挙と保持（CapabilityTable）
// - 出力サイズ・フレームレート範囲の選択（ConfigSelector）
// - オープン → 構成 → ストリーミング → クローズの状態遷移（SessionStateMachine）
// - 最新フレームのみを回転情報付きで外部シンクへ転送（FrameReader / FrameRouter）
// - V4L2デバイスとX11画面のffmpeg経由での取得
//
// # 仕様
// - 状態の変更はすべて1つのワーカーゴルーチン上で直列に処理する
// - 古いセッションからのコールバックは世代番号で判別して破棄する
// - デバイスハンドルはオープン要求の成否に関わらず必ず1回だけ閉じる
// - StartCapture / StopCapture は処理をワーカーに積んで直ちに戻る
//
// # 前提要件
//   - v4l-utils: カメラ名と構成の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: フレームの取得に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
