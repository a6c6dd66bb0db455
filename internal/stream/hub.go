// Package stream はセッションのフレームをJPEGに変換し、複数のクライアントへ配信する
//
// Hub は camera.FrameSink としてワーカーから呼ばれる。フレームはコールバック内で
// エンコードしてコピーするため、バッファを呼び出し後まで保持しない。
// 購読者が遅い場合は古いフレームを捨てて最新のものを渡す。
package stream

import (
	"sync"

	"kamera/internal/camera"
	"kamera/internal/logging"
	"kamera/internal/metrics"
)

// Hub は最新フレームを保持し、購読者に配信する
type Hub struct {
	quality int
	buffer  int
	logger  *logging.Logger

	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	latest []byte
	closed bool
}

// NewHub は新しいHubを作成する
// quality はJPEG品質、buffer は購読者毎に溜めるフレーム数
func NewHub(quality, buffer int, logger *logging.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Hub{
		quality: quality,
		buffer:  buffer,
		logger:  logger,
		subs:    make(map[*Subscriber]struct{}),
	}
}

// OnFrame はフレームをエンコードして配信する
func (h *Hub) OnFrame(f *camera.Frame, rotationDegrees int) {
	data, err := Encode(f, rotationDegrees, h.quality)
	if err != nil {
		h.logger.Warn("フレームのエンコードに失敗", "sequence", f.Sequence, "error", err.Error())
		metrics.RecordStreamFrame("encode_error")
		return
	}
	h.Publish(data)
}

// Publish はエンコード済みのJPEGを配信する
func (h *Hub) Publish(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.latest = data
	metrics.RecordStreamFrame("published")

	for sub := range h.subs {
		select {
		case sub.ch <- data:
			continue
		default:
		}

		// チャンネルがフルの場合は古いフレームを破棄
		select {
		case <-sub.ch:
			metrics.RecordStreamFrame("subscriber_dropped")
		default:
		}
		select {
		case sub.ch <- data:
		default:
		}
	}
}

// Latest は直近のフレームを返す
func (h *Hub) Latest() ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.latest != nil
}

// Subscribe は新しい購読者を登録する
// 停止済みのHubでは閉じたチャンネルを持つ購読者を返す
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{hub: h, ch: make(chan []byte, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.closeChan()
		return sub
	}
	h.subs[sub] = struct{}{}
	metrics.SetStreamSubscribers(len(h.subs))
	return sub
}

// Subscribers は購読者数を返す
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Reset は保持している最新フレームを破棄する（セッション終了時）
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = nil
}

// Close はすべての購読者のチャンネルを閉じる
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.closeChan()
		delete(h.subs, sub)
	}
	metrics.SetStreamSubscribers(0)
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	sub.closeChan()
	metrics.SetStreamSubscribers(len(h.subs))
}

// Subscriber はHubの購読者
type Subscriber struct {
	hub  *Hub
	ch   chan []byte
	once sync.Once
}

// Frames はJPEGフレームを受け取るチャンネルを返す。購読終了で閉じられる
func (s *Subscriber) Frames() <-chan []byte {
	return s.ch
}

// Close は購読を終了する
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

func (s *Subscriber) closeChan() {
	s.once.Do(func() { close(s.ch) })
}
