package camera

import (
	"fmt"
	"sync/atomic"
	"time"

	"kamera/internal/logging"
	"kamera/internal/metrics"
)

// FrameSink はフレームの受け渡し先（エンコーダ等の外部協調者）
// ワーカーから1回ずつ呼ばれる。フレームはコールバック外で保持しないこと
type FrameSink interface {
	OnFrame(f *Frame, rotationDegrees int)
}

// FrameSinkFunc は関数をFrameSinkとして扱うアダプタ
type FrameSinkFunc func(f *Frame, rotationDegrees int)

func (fn FrameSinkFunc) OnFrame(f *Frame, rotationDegrees int) {
	fn(f, rotationDegrees)
}

// FrameRouter はFrameReaderの最新フレームを回転情報付きでシンクに転送する
type FrameRouter struct {
	sink     FrameSink
	logger   *logging.Logger
	rotation atomic.Int32

	forwarded atomic.Int64
	dropped   atomic.Int64
}

// NewFrameRouter は新しいFrameRouterを作成する
func NewFrameRouter(sink FrameSink, logger *logging.Logger) *FrameRouter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &FrameRouter{
		sink:   sink,
		logger: logger,
	}
}

// SetRotation はフレームに付与する回転角を設定する
func (r *FrameRouter) SetRotation(degrees int) error {
	switch degrees {
	case 0, 90, 180, 270:
		r.rotation.Store(int32(degrees))
		return nil
	default:
		return fmt.Errorf("無効な回転角: %d", degrees)
	}
}

// Rotation は現在の回転角を返す
func (r *FrameRouter) Rotation() int {
	return int(r.rotation.Load())
}

// Stats は転送数と破棄数を返す
func (r *FrameRouter) Stats() (forwarded, dropped int64) {
	return r.forwarded.Load(), r.dropped.Load()
}

// OnFrameAvailable はワーカー上で呼ばれ、最新フレームをシンクに渡す
func (r *FrameRouter) OnFrameAvailable(reader *FrameReader) {
	if n := reader.TakeDropped(); n > 0 {
		r.dropped.Add(int64(n))
		metrics.RecordFramesDropped(n)
	}

	f := reader.AcquireLatest()
	if f == nil {
		// 通知だけでフレームがない
		metrics.RecordSpuriousWake()
		return
	}
	defer f.Release()

	if r.sink == nil {
		return
	}

	start := time.Now()
	r.sink.OnFrame(f, r.Rotation())
	r.forwarded.Add(1)
	metrics.RecordFrameForwarded(time.Since(start).Seconds())
}
