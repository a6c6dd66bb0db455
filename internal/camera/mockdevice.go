package camera

import (
	"fmt"
	"sync"
	"time"
)

// MockDeviceManager はテスト用のDeviceManager実装
//
// 既定ではコールバックを自動では発火しない。テスト側が MockDevice / MockSession の
// Fire* を呼んで通知の順序を制御する。AutoOpen / AutoConfigure を有効にすると
// オープン・構成を即座に成功させる。
type MockDeviceManager struct {
	mu sync.Mutex

	AutoOpen      bool
	AutoConfigure bool
	FailOpen      error // OpenDevice が同期的に返すエラー

	devices []*MockDevice
}

// NewMockDeviceManager は新しいMockDeviceManagerを作成する
func NewMockDeviceManager() *MockDeviceManager {
	return &MockDeviceManager{}
}

// OpenDevice はデバイスを作成し、AutoOpen なら OnOpened を通知する
func (m *MockDeviceManager) OpenDevice(id DeviceID, cb DeviceCallbacks) error {
	m.mu.Lock()
	if m.FailOpen != nil {
		err := m.FailOpen
		m.mu.Unlock()
		return err
	}
	dev := &MockDevice{id: id, cb: cb, manager: m}
	m.devices = append(m.devices, dev)
	auto := m.AutoOpen
	m.mu.Unlock()

	if auto {
		dev.FireOpened()
	}
	return nil
}

// Devices はこれまでにオープン要求されたデバイスを返す
func (m *MockDeviceManager) Devices() []*MockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockDevice(nil), m.devices...)
}

// Last は最後にオープン要求されたデバイスを返す
func (m *MockDeviceManager) Last() *MockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.devices) == 0 {
		return nil
	}
	return m.devices[len(m.devices)-1]
}

// OpenCount はオープンを通知したハンドル数を返す
func (m *MockDeviceManager) OpenCount() int {
	n := 0
	for _, d := range m.Devices() {
		if d.Opened() {
			n++
		}
	}
	return n
}

// CloseCount はクローズされたハンドル数を返す
func (m *MockDeviceManager) CloseCount() int {
	n := 0
	for _, d := range m.Devices() {
		if d.CloseCalls() > 0 {
			n++
		}
	}
	return n
}

func (m *MockDeviceManager) autoConfigure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AutoConfigure
}

// MockDevice はテスト用のDevice実装
type MockDevice struct {
	id      DeviceID
	cb      DeviceCallbacks
	manager *MockDeviceManager

	mu         sync.Mutex
	opened     bool
	closeCalls int
	sessions   []*MockSession
	failCreate error
}

func (d *MockDevice) ID() DeviceID { return d.id }

// CreateSession はセッションを作成し、AutoConfigure なら OnConfigured を通知する
func (d *MockDevice) CreateSession(outputs []Surface, cb SessionCallbacks) error {
	d.mu.Lock()
	if d.failCreate != nil {
		err := d.failCreate
		d.mu.Unlock()
		return err
	}
	s := &MockSession{device: d, outputs: outputs, cb: cb}
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()

	if d.manager.autoConfigure() {
		s.FireConfigured()
	}
	return nil
}

// Close はハンドルを解放する（冪等）
func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

// SetFailCreateSession は CreateSession が返すエラーを設定する
func (d *MockDevice) SetFailCreateSession(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCreate = err
}

// FireOpened はオープン完了を通知する
func (d *MockDevice) FireOpened() {
	d.mu.Lock()
	d.opened = true
	d.mu.Unlock()
	d.cb.OnOpened(d)
}

// FireDisconnected は切断を通知する
func (d *MockDevice) FireDisconnected() { d.cb.OnDisconnected(d) }

// FireError はハードウェアエラーを通知する
func (d *MockDevice) FireError(code int) { d.cb.OnError(d, code) }

// Opened はオープンが通知されたかを返す
func (d *MockDevice) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// CloseCalls は Close の呼び出し回数を返す
func (d *MockDevice) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

// Session は最後に作成されたセッションを返す
func (d *MockDevice) Session() *MockSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// MockSession はテスト用のCaptureSession実装
type MockSession struct {
	device  *MockDevice
	outputs []Surface
	cb      SessionCallbacks

	mu         sync.Mutex
	request    *CaptureRequest
	started    CaptureStarted
	closeCalls int
	failRepeat error
	frameNo    int64
}

// SetRepeatingRequest はリクエストを記録する
func (s *MockSession) SetRepeatingRequest(req CaptureRequest, started CaptureStarted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRepeat != nil {
		return s.failRepeat
	}
	s.request = &req
	s.started = started
	return nil
}

// Close はセッションを閉じる（冪等）
func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

// SetFailRepeating は SetRepeatingRequest が返すエラーを設定する
func (s *MockSession) SetFailRepeating(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRepeat = err
}

// FireConfigured は構成完了を通知する
func (s *MockSession) FireConfigured() { s.cb.OnConfigured(s) }

// FireConfigureFailed は構成失敗を通知する
func (s *MockSession) FireConfigureFailed() { s.cb.OnConfigureFailed(s) }

// Outputs は構成時の出力先を返す
func (s *MockSession) Outputs() []Surface { return s.outputs }

// Request は設定された繰り返しリクエストを返す
func (s *MockSession) Request() *CaptureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

// Closed はセッションが閉じられたかを返す
func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls > 0
}

// EmitFrame はリクエストのすべての出力先にフレームを書き込む
func (s *MockSession) EmitFrame(data []byte) error {
	s.mu.Lock()
	req := s.request
	started := s.started
	s.frameNo++
	n := s.frameNo
	s.mu.Unlock()

	if req == nil {
		return fmt.Errorf("繰り返しリクエストが設定されていません")
	}
	if started != nil {
		started(time.Now(), n)
	}
	for _, target := range req.Targets {
		target.Deliver(NewFrame(data, target.Size(), FormatJPEG, n, nil))
	}
	return nil
}
