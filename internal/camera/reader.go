package camera

import (
	"sync"
	"sync/atomic"
)

// FrameReader はデバイスの出力先となる単一スロットのバッファ
//
// 新しいフレームは未消費の古いフレームを上書きする（最新のみ保持し、キューにはしない）。
// Deliver はハードウェア側のゴルーチンから呼ばれても決してブロックせず、
// 「フレーム到着」の通知をワーカーに1件だけ積む。
type FrameReader struct {
	size      Size
	maxImages int
	notify    func()

	mu          sync.Mutex
	latest      *Frame
	outstanding int
	closed      bool

	pending atomic.Bool
	dropped atomic.Int64
}

// NewFrameReader は新しいFrameReaderを作成する
// maxImages は消費者が同時に保持できるフレーム数の上限
func NewFrameReader(size Size, maxImages int, notify func()) *FrameReader {
	if maxImages < 1 {
		maxImages = 1
	}
	return &FrameReader{
		size:      size,
		maxImages: maxImages,
		notify:    notify,
	}
}

// Size は出力サイズを返す
func (r *FrameReader) Size() Size {
	return r.size
}

// Deliver はフレームをスロットに格納する
func (r *FrameReader) Deliver(f *Frame) {
	if f == nil {
		return
	}

	r.mu.Lock()
	if r.closed || r.outstanding >= r.maxImages {
		r.mu.Unlock()
		r.dropped.Add(1)
		f.Release()
		return
	}
	old := r.latest
	r.latest = f
	r.mu.Unlock()

	if old != nil {
		r.dropped.Add(1)
		old.Release()
	}

	if r.pending.CompareAndSwap(false, true) && r.notify != nil {
		r.notify()
	}
}

// AcquireLatest は最新のフレームを取り出す。なければ nil を返す
// 取り出したフレームは Release するまで maxImages の枠を消費する
func (r *FrameReader) AcquireLatest() *Frame {
	r.pending.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.latest
	if f == nil {
		return nil
	}
	r.latest = nil
	r.outstanding++

	inner := f.release
	f.release = func() {
		r.mu.Lock()
		r.outstanding--
		r.mu.Unlock()
		if inner != nil {
			inner()
		}
	}
	return f
}

// TakeDropped は前回呼び出し以降に破棄したフレーム数を返す
func (r *FrameReader) TakeDropped() int {
	return int(r.dropped.Swap(0))
}

// Close はリーダーを閉じ、未消費のフレームを解放する
func (r *FrameReader) Close() {
	r.mu.Lock()
	r.closed = true
	old := r.latest
	r.latest = nil
	r.mu.Unlock()

	if old != nil {
		old.Release()
	}
}
