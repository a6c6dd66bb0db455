package camera

import (
	"sync"
	"time"
)

// PixelFormat はフレームバッファの画素フォーマット
type PixelFormat string

const (
	FormatJPEG   PixelFormat = "jpeg"    // MJPEGの1フレーム
	FormatYUV420 PixelFormat = "yuv420p" // 平面YUV 4:2:0
)

// Frame はキャプチャされた画像バッファへの参照
// 生産者（ハードウェアストリーム）が所有し、消費者はコールバック内でのみ参照できる
// コールバック外で保持する場合は Clone でコピーを取ること
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    PixelFormat
	Timestamp time.Time
	Sequence  int64

	releaseOnce sync.Once
	release     func()
}

// NewFrame は解放関数付きのフレームを作成する
func NewFrame(data []byte, size Size, format PixelFormat, seq int64, release func()) *Frame {
	return &Frame{
		Data:      data,
		Width:     size.Width,
		Height:    size.Height,
		Format:    format,
		Timestamp: time.Now(),
		Sequence:  seq,
		release:   release,
	}
}

// Release はバッファを生産者に返却する（複数回呼んでも一度だけ実行される）
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.releaseOnce.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// Clone は生産者と独立したコピーを返す
func (f *Frame) Clone() *Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{
		Data:      data,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
		Sequence:  f.Sequence,
	}
}

// Surface はデバイスがフレームを書き込む出力先
type Surface interface {
	Size() Size
	// Deliver はフレームを受け取る。呼び出し元（ハードウェアのスレッド）をブロックしてはならない
	Deliver(f *Frame)
}

// RequestTemplate はキャプチャリクエストの雛形
type RequestTemplate string

const TemplatePreview RequestTemplate = "preview"

// AFMode はオートフォーカスのモード
type AFMode string

const AFModeContinuousVideo AFMode = "continuous_video"

// AEMode は自動露出のモード
type AEMode string

const AEModeOn AEMode = "on"

// AWBMode はホワイトバランスのモード
type AWBMode string

const AWBModeAuto AWBMode = "auto"

// CaptureRequest は繰り返しキャプチャに使うリクエスト
type CaptureRequest struct {
	Template RequestTemplate
	AFMode   AFMode
	AEMode   AEMode
	AWBMode  AWBMode
	FPSRange FPSRange
	Targets  []Surface
}

// DeviceCallbacks はデバイス状態の非同期通知を受け取る
type DeviceCallbacks interface {
	OnOpened(dev Device)
	OnDisconnected(dev Device)
	OnError(dev Device, code int)
}

// SessionCallbacks はキャプチャセッション構成の非同期通知を受け取る
type SessionCallbacks interface {
	OnConfigured(s CaptureSession)
	OnConfigureFailed(s CaptureSession)
}

// CaptureStarted はリクエスト周期毎に呼ばれる観測用コールバック
type CaptureStarted func(timestamp time.Time, frameNumber int64)

// DeviceManager は物理デバイスのオープンを担う
type DeviceManager interface {
	// OpenDevice はデバイスのオープンを要求する。結果は cb に非同期で通知される
	// 同期的に失敗した場合は ErrSecurityDenied または ErrOpenFailed を返す
	OpenDevice(id DeviceID, cb DeviceCallbacks) error
}

// Device はオープンされた排他的なデバイスハンドル
type Device interface {
	ID() DeviceID
	// CreateSession は出力先を構成する。結果は cb に非同期で通知される
	CreateSession(outputs []Surface, cb SessionCallbacks) error
	// Close はハンドルを解放する。冪等であること
	Close() error
}

// CaptureSession は構成済みのキャプチャセッション
type CaptureSession interface {
	SetRepeatingRequest(req CaptureRequest, started CaptureStarted) error
	// Close はセッションを閉じる。冪等であること
	Close() error
}
