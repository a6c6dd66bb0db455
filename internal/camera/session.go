package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kamera/internal/logging"
	"kamera/internal/metrics"
)

// SessionOptions はパラメータ交渉の設定
type SessionOptions struct {
	FPSMax          int // これを超える上限のFPS範囲は選ばない
	FPSTarget       int // 目標フレームレート
	MaxWidth        int // 出力サイズの上限
	MaxHeight       int
	ViewWidth       int // 0 の場合は要求解像度をビューサイズとする
	ViewHeight      int
	ReaderMaxImages int // FrameReader が同時に貸し出すフレーム数の上限
}

// DefaultSessionOptions はデフォルトの交渉設定を返す
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		FPSMax:          30,
		FPSTarget:       15,
		MaxWidth:        1920,
		MaxHeight:       1080,
		ReaderMaxImages: 8,
	}
}

// SessionSnapshot はセッションの状態のコピー
// セッション終了後も直近のセッション識別子とエラーを保持する
type SessionSnapshot struct {
	State           State         `json:"-"`
	StateName       string        `json:"state"`
	SessionID       string        `json:"session_id"`
	Generation      uint64        `json:"generation"`
	DeviceID        DeviceID      `json:"device_id"`
	Target          CaptureTarget `json:"target"`
	Size            Size          `json:"size"`
	FPSRange        FPSRange      `json:"fps_range"`
	LastError       string        `json:"last_error,omitempty"`
	Err             error         `json:"-"`
	CapturesStarted int64         `json:"captures_started"`
	HandlesOpened   int64         `json:"handles_opened"`
	HandlesClosed   int64         `json:"handles_closed"`
}

// activeSession はワーカーだけが触るセッションの実体
type activeSession struct {
	id       string
	gen      uint64
	deviceID DeviceID
	target   CaptureTarget
	size     Size
	fpsRange FPSRange
	state    State

	device  Device
	session CaptureSession
	reader  *FrameReader
	request CaptureRequest

	logger *logging.Logger
}

// SessionStateMachine は唯一のデバイスハンドルを所有し、
// open → configure → stream → close の状態遷移を駆動する
//
// 状態の変更とハードウェアのコールバックはすべて単一のワーカー上で直列に処理する。
// 各コールバックには世代番号が埋め込まれており、新しい open/stop によって
// 置き換えられた古いセッションの通知は破棄される。
type SessionStateMachine struct {
	table   *CapabilityTable
	manager DeviceManager
	router  *FrameRouter
	worker  *Worker
	opts    SessionOptions
	logger  *logging.Logger

	nextGen   atomic.Uint64
	activeGen atomic.Uint64 // 0 はセッションなし。呼び出し側から見たアクティブ世代

	// 以下はワーカー上でのみ操作する
	active     *activeSession
	handles    map[Device]struct{}
	pending    []DeviceCapabilities // セッション終了まで保留した再列挙結果
	hasPending bool

	capturesStarted atomic.Int64
	handlesOpened   atomic.Int64
	handlesClosed   atomic.Int64

	listenerMu sync.RWMutex
	listeners  []func(Transition)

	snapMu sync.RWMutex
	snap   SessionSnapshot
}

// NewSessionStateMachine は新しいステートマシンを作成する
func NewSessionStateMachine(table *CapabilityTable, manager DeviceManager, router *FrameRouter, opts SessionOptions, logger *logging.Logger) *SessionStateMachine {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if router == nil {
		router = NewFrameRouter(nil, logger)
	}
	return &SessionStateMachine{
		table:   table,
		manager: manager,
		router:  router,
		worker:  NewWorker("camera", logger),
		opts:    opts,
		logger:  logger,
		handles: make(map[Device]struct{}),
		snap:    SessionSnapshot{State: StateClosed, StateName: StateClosed.String()},
	}
}

// OnTransition は状態遷移のリスナーを登録する。リスナーはワーカー上で呼ばれる
func (sm *SessionStateMachine) OnTransition(fn func(Transition)) {
	sm.listenerMu.Lock()
	defer sm.listenerMu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// Open は新しいセッションの開始を要求する
// デバイスの構成がない場合やデバイスマネージャーがない場合は即座に失敗し、何もしない
// それ以外は処理をワーカーに積んで直ちに戻る
func (sm *SessionStateMachine) Open(id DeviceID, target CaptureTarget) error {
	if sm.manager == nil {
		return &SessionError{Op: "open", DeviceID: id, State: StateClosed,
			Err: fmt.Errorf("デバイスマネージャーが利用できません: %w", ErrNoCapabilities)}
	}
	if _, ok := sm.table.CapabilitiesFor(id); !ok {
		return &SessionError{Op: "open", DeviceID: id, State: StateClosed, Err: ErrNoCapabilities}
	}

	gen := sm.nextGen.Add(1)
	sm.activeGen.Store(gen)
	if !sm.worker.Post(func() { sm.handleOpen(gen, id, target) }) {
		sm.activeGen.CompareAndSwap(gen, 0)
		return ErrWorkerClosed
	}
	return nil
}

// Stop はアクティブなセッションを閉じる
// Opening/Configuring 中のセッションも対象で、遅れて届いた成功通知は即座に閉じられる
func (sm *SessionStateMachine) Stop() StopStatus {
	gen := sm.activeGen.Swap(0)
	if gen == 0 {
		return StopNothingActive
	}
	sm.worker.Post(func() { sm.handleStop(gen) })
	return StopClosed
}

// Snapshot は現在の状態のコピーを返す
func (sm *SessionStateMachine) Snapshot() SessionSnapshot {
	sm.snapMu.RLock()
	s := sm.snap
	sm.snapMu.RUnlock()

	s.CapturesStarted = sm.capturesStarted.Load()
	s.HandlesOpened = sm.handlesOpened.Load()
	s.HandlesClosed = sm.handlesClosed.Load()
	return s
}

// Router はフレームルーターを返す
func (sm *SessionStateMachine) Router() *FrameRouter {
	return sm.router
}

// Flush はここまでに積まれた処理が完了するまで待つ
func (sm *SessionStateMachine) Flush(ctx context.Context) error {
	return sm.worker.Flush(ctx)
}

// Close はアクティブなセッションを閉じてワーカーを停止する
func (sm *SessionStateMachine) Close(ctx context.Context) error {
	gen := sm.activeGen.Swap(0)
	if gen != 0 {
		sm.worker.Post(func() { sm.handleStop(gen) })
	}
	return sm.worker.Close(ctx)
}

// Refresh はデバイスを再列挙して構成テーブルを置き換える
// セッションが生きている間は結果を保留し、Closed に戻った時点で反映する
// 部分的な列挙結果は取り込んだうえでエラーを返す
func (sm *SessionStateMachine) Refresh(ctx context.Context, discovery Discovery) error {
	caps, err := discovery.Enumerate(ctx)
	if err != nil && len(caps) == 0 {
		return fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}

	sm.post(func() {
		if sm.active != nil {
			sm.pending = caps
			sm.hasPending = true
			sm.active.logger.Info("セッション終了まで再列挙結果の反映を保留します", "count", len(caps))
			return
		}
		sm.applyCapabilities(caps)
	}, func() {
		sm.table.replace(caps)
	})
	return err
}

// applyCapabilities はワーカー上で構成テーブルを置き換える
func (sm *SessionStateMachine) applyCapabilities(caps []DeviceCapabilities) {
	sm.table.replace(caps)
	sm.pending = nil
	sm.hasPending = false
	sm.logger.Info("デバイスを再列挙しました", "count", sm.table.Len())
}

// post はワーカーに処理を積む。ワーカー停止後は fallback を呼び出し元で実行する
func (sm *SessionStateMachine) post(task func(), fallback func()) {
	if !sm.worker.Post(task) && fallback != nil {
		fallback()
	}
}

// current は世代が現在のアクティブセッションのものであればそれを返す
func (sm *SessionStateMachine) current(gen uint64) *activeSession {
	if sm.active == nil || sm.active.gen != gen || sm.activeGen.Load() != gen {
		return nil
	}
	return sm.active
}

func (sm *SessionStateMachine) handleOpen(gen uint64, id DeviceID, target CaptureTarget) {
	// 新しいオープン要求の前に既存のハンドルを同期的に閉じる
	if sm.active != nil {
		sm.teardown(sm.active, StateClosing, nil)
	}

	if sm.activeGen.Load() != gen {
		sm.logger.Debug("発行前に置き換えられたオープン要求を破棄", "generation", gen, "device", id)
		return
	}

	caps, ok := sm.table.CapabilitiesFor(id)
	if !ok {
		sm.activeGen.CompareAndSwap(gen, 0)
		sm.recordError(&SessionError{Op: "open", DeviceID: id, Generation: gen, State: StateClosed, Err: ErrNoCapabilities})
		return
	}

	viewW, viewH := sm.opts.ViewWidth, sm.opts.ViewHeight
	if viewW <= 0 || viewH <= 0 {
		viewW, viewH = target.Width, target.Height
	}

	a := &activeSession{
		id:       uuid.NewString(),
		gen:      gen,
		deviceID: id,
		target:   target,
		fpsRange: ChooseOptimalFrameRateRange(caps.FPSRanges, sm.opts.FPSMax, sm.opts.FPSTarget),
		size:     ChooseOptimalSize(caps.Sizes, viewW, viewH, sm.opts.MaxWidth, sm.opts.MaxHeight, target.Size()),
		state:    StateClosed,
	}
	a.logger = sm.logger.WithSession(a.id).With("generation", gen, "device", string(id))

	var reader *FrameReader
	reader = NewFrameReader(a.size, sm.opts.ReaderMaxImages, func() {
		sm.worker.Post(func() { sm.router.OnFrameAvailable(reader) })
	})
	a.reader = reader

	sm.active = a
	sm.transition(a, StateOpening, nil)
	a.logger.Info("デバイスをオープンします", "size", a.size.String(), "fps_range", a.fpsRange.String(), "rate", target.FrameRate)

	if err := sm.manager.OpenDevice(id, &deviceCallbacks{sm: sm, gen: gen}); err != nil {
		if !errors.Is(err, ErrSecurityDenied) && !errors.Is(err, ErrOpenFailed) {
			err = fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
		sm.fail(a, "open", err, 0)
	}
}

func (sm *SessionStateMachine) handleOpened(gen uint64, dev Device) {
	sm.trackHandle(dev)

	a := sm.current(gen)
	if a == nil || a.state != StateOpening {
		if a != nil && a.device == dev {
			return
		}
		// 置き換え済みのセッションのハンドルは即座に閉じる
		sm.logger.Info("古いセッションのデバイスを閉じます", "generation", gen, "device", string(dev.ID()))
		metrics.RecordStaleCallback("opened")
		sm.releaseDevice(dev)
		return
	}

	a.device = dev
	sm.transition(a, StateConfiguring, nil)

	a.request = CaptureRequest{
		Template: TemplatePreview,
		AFMode:   AFModeContinuousVideo,
		AEMode:   AEModeOn,
		AWBMode:  AWBModeAuto,
		FPSRange: a.fpsRange,
		Targets:  []Surface{a.reader},
	}

	if err := dev.CreateSession([]Surface{a.reader}, &sessionCallbacks{sm: sm, gen: gen}); err != nil {
		sm.fail(a, "configure", fmt.Errorf("%w: %v", ErrConfigurationFailed, err), 0)
	}
}

func (sm *SessionStateMachine) handleConfigured(gen uint64, s CaptureSession) {
	a := sm.current(gen)
	if a != nil && s != nil && a.session == s {
		a.logger.Debug("重複した構成完了通知を破棄", "state", a.state.String())
		return
	}
	if a == nil || a.state != StateConfiguring {
		sm.logger.Info("古いセッションの構成完了通知を破棄", "generation", gen)
		metrics.RecordStaleCallback("configured")
		_ = s.Close()
		return
	}

	a.session = s
	if err := s.SetRepeatingRequest(a.request, sm.captureStarted(gen)); err != nil {
		sm.fail(a, "stream", fmt.Errorf("%w: %v", ErrConfigurationFailed, err), 0)
		return
	}
	sm.transition(a, StateStreaming, nil)
}

func (sm *SessionStateMachine) handleConfigureFailed(gen uint64, s CaptureSession) {
	a := sm.current(gen)
	if a != nil && s != nil && a.session == s {
		a.logger.Debug("重複した構成失敗通知を破棄", "state", a.state.String())
		return
	}
	if a == nil || a.state != StateConfiguring {
		metrics.RecordStaleCallback("configure_failed")
		if s != nil {
			_ = s.Close()
		}
		return
	}

	a.session = s
	sm.fail(a, "configure", ErrConfigurationFailed, 0)
}

func (sm *SessionStateMachine) handleDisconnected(gen uint64, dev Device) {
	if a := sm.current(gen); a != nil && sm.ownsHandle(a, dev) {
		a.logger.Warn("デバイスが切断されました", "state", a.state.String())
		sm.activeGen.CompareAndSwap(a.gen, 0)
		sm.recordError(&SessionError{Op: "disconnect", DeviceID: a.deviceID, SessionID: a.id, Generation: a.gen, State: a.state, Err: ErrDisconnected})
		sm.teardown(a, StateDisconnected, ErrDisconnected)
		if a.device != dev {
			sm.releaseDevice(dev)
		}
		return
	}

	metrics.RecordStaleCallback("disconnected")
	sm.releaseDevice(dev)
}

func (sm *SessionStateMachine) handleError(gen uint64, dev Device, code int) {
	if a := sm.current(gen); a != nil && sm.ownsHandle(a, dev) {
		sm.fail(a, "device", ErrHardware, code)
		if a.device != dev {
			sm.releaseDevice(dev)
		}
		return
	}

	sm.logger.Warn("古いセッションのエラー通知", "generation", gen, "code", code)
	metrics.RecordStaleCallback("error")
	sm.releaseDevice(dev)
}

func (sm *SessionStateMachine) handleStop(gen uint64) {
	a := sm.active
	if a == nil || a.gen != gen {
		return
	}
	sm.teardown(a, StateClosing, nil)
}

// ownsHandle は通知元がアクティブセッションのハンドルかどうか判定する
// オープン完了前に届いた通知はそのセッション宛てとみなす
func (sm *SessionStateMachine) ownsHandle(a *activeSession, dev Device) bool {
	if a.device != nil {
		return a.device == dev
	}
	return a.state == StateOpening
}

// captureStarted はリクエスト周期毎の観測用コールバックを作る（状態は変えない）
func (sm *SessionStateMachine) captureStarted(gen uint64) CaptureStarted {
	return func(_ time.Time, frameNumber int64) {
		if sm.activeGen.Load() != gen {
			return
		}
		if sm.capturesStarted.Add(1) == 1 || frameNumber == 1 {
			sm.logger.Debug("キャプチャ開始", "generation", gen, "frame", frameNumber)
		}
	}
}

// fail はエラー状態を経由してセッションを閉じる
func (sm *SessionStateMachine) fail(a *activeSession, op string, err error, code int) {
	serr := &SessionError{
		Op:         op,
		DeviceID:   a.deviceID,
		SessionID:  a.id,
		Generation: a.gen,
		State:      a.state,
		Code:       code,
		Err:        err,
	}
	a.logger.Error("セッションが失敗しました", "op", op, "state", a.state.String(), "code", code, "error", err.Error())
	sm.activeGen.CompareAndSwap(a.gen, 0)
	sm.recordError(serr)
	sm.teardown(a, StateErrorClosed, serr)
}

// teardown は via 状態を経由してハンドルを解放し Closed に戻す
func (sm *SessionStateMachine) teardown(a *activeSession, via State, err error) {
	sm.transition(a, via, err)

	if a.session != nil {
		_ = a.session.Close()
	}
	if a.device != nil {
		sm.releaseDevice(a.device)
	}
	if a.reader != nil {
		a.reader.Close()
	}

	sm.transition(a, StateClosed, err)
	sm.activeGen.CompareAndSwap(a.gen, 0)
	if sm.active == a {
		sm.active = nil
	}
	if sm.active == nil && sm.hasPending {
		sm.applyCapabilities(sm.pending)
	}
}

// trackHandle は取得したデバイスハンドルを記録する
func (sm *SessionStateMachine) trackHandle(dev Device) {
	if _, ok := sm.handles[dev]; ok {
		return
	}
	sm.handles[dev] = struct{}{}
	sm.handlesOpened.Add(1)
	metrics.RecordDeviceOpened()
}

// releaseDevice はデバイスハンドルを解放する。記録済みのハンドルは一度だけ数える
func (sm *SessionStateMachine) releaseDevice(dev Device) {
	if err := dev.Close(); err != nil {
		sm.logger.Warn("デバイスのクローズに失敗", "device", string(dev.ID()), "error", err.Error())
	}
	if _, ok := sm.handles[dev]; !ok {
		return
	}
	delete(sm.handles, dev)
	sm.handlesClosed.Add(1)
	metrics.RecordDeviceClosed()
}

func (sm *SessionStateMachine) recordError(err error) {
	metrics.RecordSessionError(ErrorKind(err))

	sm.snapMu.Lock()
	sm.snap.Err = err
	sm.snap.LastError = err.Error()
	sm.snapMu.Unlock()
}

func (sm *SessionStateMachine) transition(a *activeSession, to State, err error) {
	from := a.state
	a.state = to

	a.logger.Info("状態遷移", "from", from.String(), "to", to.String())
	metrics.RecordTransition(from.String(), to.String())

	sm.snapMu.Lock()
	sm.snap.State = to
	sm.snap.StateName = to.String()
	sm.snap.SessionID = a.id
	sm.snap.Generation = a.gen
	sm.snap.DeviceID = a.deviceID
	sm.snap.Target = a.target
	sm.snap.Size = a.size
	sm.snap.FPSRange = a.fpsRange
	sm.snapMu.Unlock()

	t := Transition{
		SessionID:  a.id,
		Generation: a.gen,
		DeviceID:   a.deviceID,
		From:       from,
		To:         to,
		Err:        err,
		At:         time.Now(),
	}

	sm.listenerMu.RLock()
	listeners := append([]func(Transition){}, sm.listeners...)
	sm.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
}

// deviceCallbacks はデバイスの通知を世代番号付きでワーカーに積む
type deviceCallbacks struct {
	sm  *SessionStateMachine
	gen uint64
}

func (c *deviceCallbacks) OnOpened(dev Device) {
	c.sm.post(func() { c.sm.handleOpened(c.gen, dev) }, func() { _ = dev.Close() })
}

func (c *deviceCallbacks) OnDisconnected(dev Device) {
	c.sm.post(func() { c.sm.handleDisconnected(c.gen, dev) }, func() { _ = dev.Close() })
}

func (c *deviceCallbacks) OnError(dev Device, code int) {
	c.sm.post(func() { c.sm.handleError(c.gen, dev, code) }, func() { _ = dev.Close() })
}

// sessionCallbacks はキャプチャセッションの通知を世代番号付きでワーカーに積む
type sessionCallbacks struct {
	sm  *SessionStateMachine
	gen uint64
}

func (c *sessionCallbacks) OnConfigured(s CaptureSession) {
	c.sm.post(func() { c.sm.handleConfigured(c.gen, s) }, func() { _ = s.Close() })
}

func (c *sessionCallbacks) OnConfigureFailed(s CaptureSession) {
	c.sm.post(func() { c.sm.handleConfigureFailed(c.gen, s) }, func() {
		if s != nil {
			_ = s.Close()
		}
	})
}
