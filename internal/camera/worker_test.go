package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWorker_RunsInOrder(t *testing.T) {
	w := NewWorker("test", nil)
	defer w.Close(context.Background())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !w.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatal("Post failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("Expected 100 tasks, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Expected task %d at position %d, got %d", i, i, v)
		}
	}
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	w := NewWorker("test", nil)
	defer w.Close(context.Background())

	ran := make(chan struct{})
	w.Post(func() { panic("boom") })
	w.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Expected worker to survive panic")
	}
}

func TestWorker_Close(t *testing.T) {
	w := NewWorker("test", nil)

	done := make(chan struct{})
	w.Post(func() {
		time.Sleep(10 * time.Millisecond)
	})
	w.Post(func() { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// 停止前に積まれたタスクは実行される
	select {
	case <-done:
	default:
		t.Error("Expected queued task to run before close")
	}

	if w.Post(func() {}) {
		t.Error("Expected Post to fail after close")
	}
	if err := w.Flush(ctx); !errors.Is(err, ErrWorkerClosed) {
		t.Errorf("Expected ErrWorkerClosed, got %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Errorf("Expected second Close to succeed, got %v", err)
	}
}

func TestWorker_CloseWithoutStart(t *testing.T) {
	w := NewWorker("test", nil)
	if err := w.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
