package camera

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"kamera/internal/logging"
)

// ErrWorkerClosed は停止済みのワーカーに投入しようとした場合のエラー
var ErrWorkerClosed = errors.New("ワーカーは停止しています")

// Worker はデバイス・セッション・フレームのコールバックをすべて処理する単一のゴルーチン
// 最初の投入時に起動し、Close まで生存する。キューは無制限で Post はブロックしない
type Worker struct {
	name   string
	logger *logging.Logger

	mu      sync.Mutex
	queue   []func()
	started bool
	closed  bool

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker は新しいWorkerを作成する（ゴルーチンはまだ起動しない）
func NewWorker(name string, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Worker{
		name:   name,
		logger: logger.With("worker", name),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Post はタスクをキューに積む。停止済みなら false を返す
func (w *Worker) Post(task func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, task)
	if !w.started {
		w.started = true
		go w.run()
	}
	w.mu.Unlock()

	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
	return true
}

// Flush はここまでに投入されたタスクがすべて実行されるまで待つ
func (w *Worker) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !w.Post(func() { close(done) }) {
		return ErrWorkerClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close はワーカーを停止する。キューに残ったタスクは実行してから終了する
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		started := w.started
		w.mu.Unlock()
		if !started {
			return nil
		}
		return w.wait(ctx)
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	if !started {
		return nil
	}
	close(w.stopCh)
	return w.wait(ctx)
}

func (w *Worker) wait(ctx context.Context) error {
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run はキューからタスクを取り出して順番に実行する
func (w *Worker) run() {
	defer close(w.doneCh)

	for {
		task, ok := w.next()
		if ok {
			w.safeRun(task)
			continue
		}

		select {
		case <-w.wakeCh:
		case <-w.stopCh:
			// 停止前に残りを処理
			for {
				task, ok := w.next()
				if !ok {
					return
				}
				w.safeRun(task)
			}
		}
	}
}

func (w *Worker) next() (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return nil, false
	}
	task := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return task, true
}

// safeRun はタスクのpanicを回収してワーカーを生かし続ける
func (w *Worker) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("タスクがpanicしました", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
