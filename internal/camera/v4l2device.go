package camera

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"kamera/internal/logging"
)

// ErrorCodeDevice はストリームが終了コードなしで失敗した場合のエラーコード
const ErrorCodeDevice = 4

// V4L2DeviceManager はV4L2デバイスをffmpeg経由で扱うDeviceManager実装
//
// オープンはデバイスノードへのアクセス確認のみを同期的に行い、
// 完了通知は別ゴルーチンから送る。フレームの取得はキャプチャセッションの
// 繰り返しリクエストが設定された時点で開始する。
type V4L2DeviceManager struct {
	streamer FrameStreamer
	logger   *logging.Logger

	mu   sync.Mutex
	open map[DeviceID][]*v4l2Device
}

// NewV4L2DeviceManager は新しいV4L2DeviceManagerを作成する
func NewV4L2DeviceManager(streamer FrameStreamer, logger *logging.Logger) *V4L2DeviceManager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &V4L2DeviceManager{
		streamer: streamer,
		logger:   logger,
		open:     make(map[DeviceID][]*v4l2Device),
	}
}

// OpenDevice はデバイスノードを確認してハンドルを作成する
// X11画面のデバイスはノードを持たないため確認しない
func (m *V4L2DeviceManager) OpenDevice(id DeviceID, cb DeviceCallbacks) error {
	if _, screen := screenDisplay(id); !screen {
		if err := checkNode(string(id)); err != nil {
			return err
		}
	}

	dev := &v4l2Device{id: id, manager: m, cb: cb}
	m.mu.Lock()
	m.open[id] = append(m.open[id], dev)
	m.mu.Unlock()

	go cb.OnOpened(dev)
	return nil
}

func checkNode(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return fmt.Errorf("%s: %w", path, ErrSecurityDenied)
		case errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%s: デバイスが存在しません: %w", path, ErrOpenFailed)
		default:
			return fmt.Errorf("%s: %v: %w", path, err, ErrOpenFailed)
		}
	}
	_ = f.Close()
	return nil
}

// Disconnect はデバイスの取り外しをオープン中のハンドルに通知する
func (m *V4L2DeviceManager) Disconnect(id DeviceID) {
	m.mu.Lock()
	devices := append([]*v4l2Device(nil), m.open[id]...)
	m.mu.Unlock()

	for _, dev := range devices {
		m.logger.Warn("デバイスが取り外されました", "device", string(id))
		dev.disconnect()
	}
}

// OpenHandles はオープン中のハンドル数を返す
func (m *V4L2DeviceManager) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, devices := range m.open {
		n += len(devices)
	}
	return n
}

func (m *V4L2DeviceManager) forget(dev *v4l2Device) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := m.open[dev.id]
	for i, d := range devices {
		if d == dev {
			devices = append(devices[:i], devices[i+1:]...)
			break
		}
	}
	if len(devices) == 0 {
		delete(m.open, dev.id)
	} else {
		m.open[dev.id] = devices
	}
}

// v4l2Device はオープン済みのV4L2デバイスハンドル
type v4l2Device struct {
	id      DeviceID
	manager *V4L2DeviceManager
	cb      DeviceCallbacks

	mu      sync.Mutex
	closed  bool
	session *v4l2Session

	notified atomic.Bool // 切断・エラーの通知は1回だけ
}

func (d *v4l2Device) ID() DeviceID { return d.id }

// CreateSession は出力先を1つだけ持つキャプチャセッションを作成する
func (d *v4l2Device) CreateSession(outputs []Surface, cb SessionCallbacks) error {
	if len(outputs) != 1 {
		return fmt.Errorf("出力先は1つだけ指定できます: %d", len(outputs))
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("%s: デバイスは閉じられています", d.id)
	}
	if d.session != nil {
		d.session.Close()
	}
	s := &v4l2Session{device: d, surface: outputs[0]}
	d.session = s
	d.mu.Unlock()

	go cb.OnConfigured(s)
	return nil
}

// Close はハンドルを解放する（冪等）
func (d *v4l2Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	s := d.session
	d.session = nil
	d.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	d.manager.forget(d)
	return nil
}

func (d *v4l2Device) disconnect() {
	if d.notified.CompareAndSwap(false, true) {
		d.cb.OnDisconnected(d)
	}
}

func (d *v4l2Device) fail(code int) {
	if d.notified.CompareAndSwap(false, true) {
		d.cb.OnError(d, code)
	}
}

// v4l2Session はffmpegのストリームを1本持つキャプチャセッション
type v4l2Session struct {
	device  *v4l2Device
	surface Surface

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// SetRepeatingRequest はストリームを開始する
// 再設定された場合は前のストリームを止めてから新しい範囲で開始する
func (s *v4l2Session) SetRepeatingRequest(req CaptureRequest, started CaptureStarted) error {
	if len(req.Targets) != 1 || req.Targets[0] != s.surface {
		return fmt.Errorf("リクエストの出力先がセッションと一致しません")
	}

	// 前のストリームの終了を待ってから新しいストリームを開始する
	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return fmt.Errorf("%s: セッションは閉じられています", s.device.id)
		}
		prev := s.stopLocked()
		if prev == nil {
			break
		}
		s.mu.Unlock()
		<-prev
		s.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	cfg := StreamConfig{
		Device:    string(s.device.id),
		Size:      s.surface.Size(),
		FrameRate: req.FPSRange.Upper,
	}
	go s.run(ctx, cfg, started, done)
	return nil
}

func (s *v4l2Session) run(ctx context.Context, cfg StreamConfig, started CaptureStarted, done chan struct{}) {
	defer close(done)

	var seq int64
	err := s.device.manager.streamer.Stream(ctx, cfg, func(data []byte) {
		seq++
		now := time.Now()
		if started != nil {
			started(now, seq)
		}
		s.surface.Deliver(NewFrame(data, cfg.Size, FormatJPEG, seq, nil))
	})

	if ctx.Err() != nil {
		return
	}

	logger := s.device.manager.logger
	if err == nil {
		// 要求なしにストリームが終わった場合はデバイスが失われたとみなす
		logger.Warn("ストリームが終了しました", "device", cfg.Device)
		s.device.disconnect()
		return
	}

	code := ErrorCodeDevice
	var serr *StreamError
	if errors.As(err, &serr) && serr.ExitCode() > 0 {
		code = serr.ExitCode()
	}
	logger.Error("ストリームが失敗しました", "device", cfg.Device, "code", code, "error", err.Error())
	s.device.fail(code)
}

// Close はストリームを停止する（冪等）
func (s *v4l2Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	done := s.stopLocked()
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	return nil
}

// stopLocked は実行中のストリームをキャンセルし、その終了待ちチャネルを返す
func (s *v4l2Session) stopLocked() chan struct{} {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	done := s.done
	s.cancel = nil
	s.done = nil
	return done
}
