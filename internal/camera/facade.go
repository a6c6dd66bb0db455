package camera

import (
	"context"
	"fmt"

	"kamera/internal/logging"
)

// Facade はカメラセッションの公開窓口
//
// StartCapture / StopCapture は処理をワーカーに積んで直ちに戻る。
// 結果はセッションの状態遷移として観測する。
type Facade struct {
	table   *CapabilityTable
	session *SessionStateMachine
	logger  *logging.Logger
}

// NewFacade は新しいFacadeを作成する
func NewFacade(table *CapabilityTable, manager DeviceManager, sink FrameSink, opts SessionOptions, logger *logging.Logger) *Facade {
	if logger == nil {
		logger = logging.NopLogger()
	}
	router := NewFrameRouter(sink, logger)
	return &Facade{
		table:   table,
		session: NewSessionStateMachine(table, manager, router, opts, logger),
		logger:  logger,
	}
}

// StartCapture は指定名のデバイスでキャプチャを開始する
// デバイスが見つからない場合や開始できない場合は空文字列を返す
func (f *Facade) StartCapture(deviceName string) string {
	caps, err := f.start(deviceName)
	if err != nil {
		f.logger.Warn("キャプチャを開始できません", "device", deviceName, "kind", ErrorKind(err), "error", err.Error())
		return ""
	}
	if caps.Name != "" {
		return caps.Name
	}
	return string(caps.ID)
}

// Start は StartCapture と同じ処理を行い、失敗理由をエラーとして返す
func (f *Facade) Start(deviceName string) (DeviceID, error) {
	caps, err := f.start(deviceName)
	if err != nil {
		return "", err
	}
	return caps.ID, nil
}

func (f *Facade) start(deviceName string) (DeviceCapabilities, error) {
	caps, ok := f.table.LookupByName(deviceName)
	if !ok {
		return DeviceCapabilities{}, fmt.Errorf("%s: %w", deviceName, ErrNotFound)
	}

	target, err := defaultTarget(caps)
	if err != nil {
		return DeviceCapabilities{}, err
	}

	if err := f.session.Open(caps.ID, target); err != nil {
		return DeviceCapabilities{}, err
	}
	return caps, nil
}

// defaultTarget は先頭の広告フレームレートと先頭のサイズを要求値とする
// 列挙側でリストが整列・絞り込み済みであることを前提とする
func defaultTarget(caps DeviceCapabilities) (CaptureTarget, error) {
	if len(caps.Sizes) == 0 {
		return CaptureTarget{}, fmt.Errorf("%s: サイズがありません: %w", caps.ID, ErrNoCapabilities)
	}
	size := caps.Sizes[0]

	rate := 0
	if len(caps.FrameRates) > 0 {
		rate = caps.FrameRates[0]
	} else if fps, ok := caps.MaxFPS(size); ok {
		rate = fps
	}
	if rate <= 0 {
		return CaptureTarget{}, fmt.Errorf("%s: フレームレートがありません: %w", caps.ID, ErrNoCapabilities)
	}

	return CaptureTarget{Width: size.Width, Height: size.Height, FrameRate: rate}, nil
}

// StopCapture はアクティブなセッションを閉じる
// 閉じた場合は 0、アクティブなセッションがなかった場合は 1 を返す
func (f *Facade) StopCapture() int {
	return int(f.session.Stop())
}

// SetRotation はフレームに付与する回転角を設定する
func (f *Facade) SetRotation(degrees int) error {
	return f.session.Router().SetRotation(degrees)
}

// Devices は列挙済みのデバイス構成を返す
func (f *Facade) Devices() []DeviceCapabilities {
	return f.table.Devices()
}

// Snapshot はセッションの状態を返す
func (f *Facade) Snapshot() SessionSnapshot {
	return f.session.Snapshot()
}

// Refresh はデバイスを再列挙する。キャプチャ中の場合は停止後に反映される
func (f *Facade) Refresh(ctx context.Context, discovery Discovery) error {
	return f.session.Refresh(ctx, discovery)
}

// Session は内部のステートマシンを返す
func (f *Facade) Session() *SessionStateMachine {
	return f.session
}

// Close はセッションを閉じてワーカーを停止する
func (f *Facade) Close(ctx context.Context) error {
	return f.session.Close(ctx)
}
