package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tgblast/pkg/logx"
)

func runConsumer(t *testing.T, m *Memory, concurrency int, h Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx, concurrency, h)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	return cancel
}

func TestMemoryDelivers(t *testing.T) {
	t.Parallel()
	m := NewMemory(logx.Logger{})

	var got atomic.Int32
	runConsumer(t, m, 4, func(_ context.Context, payload []byte) error {
		got.Add(int32(len(payload)))
		return nil
	})

	for i := 0; i < 10; i++ {
		if err := m.Publish(context.Background(), []byte{1}, 0); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for got.Load() != 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got.Load() != 10 {
		t.Fatalf("delivered %d payloads, want 10", got.Load())
	}
}

func TestMemoryDelayedPublish(t *testing.T) {
	t.Parallel()
	m := NewMemory(logx.Logger{})

	var deliveredAt atomic.Int64
	runConsumer(t, m, 1, func(context.Context, []byte) error {
		deliveredAt.Store(time.Now().UnixNano())
		return nil
	})

	start := time.Now()
	if err := m.Publish(context.Background(), []byte("later"), 100*time.Millisecond); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for deliveredAt.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if deliveredAt.Load() == 0 {
		t.Fatal("delayed payload never delivered")
	}
	if got := time.Unix(0, deliveredAt.Load()).Sub(start); got < 100*time.Millisecond {
		t.Fatalf("delivered after %v, want >= 100ms", got)
	}
}

func TestMemoryRedeliversOnError(t *testing.T) {
	t.Parallel()
	m := NewMemory(logx.Logger{}, WithMaxRedeliveries(2))

	var calls atomic.Int32
	done := make(chan struct{})
	runConsumer(t, m, 1, func(context.Context, []byte) error {
		if calls.Add(1) == 3 {
			close(done)
			return nil
		}
		return errors.New("not yet")
	})

	if err := m.Publish(context.Background(), []byte("x"), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("payload not redelivered, %d calls", calls.Load())
	}
}

func TestMemoryStopsRedeliveringAtCap(t *testing.T) {
	t.Parallel()
	m := NewMemory(logx.Logger{}, WithMaxRedeliveries(2))

	var calls atomic.Int32
	runConsumer(t, m, 1, func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("always")
	})

	if err := m.Publish(context.Background(), []byte("x"), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// First delivery plus two redeliveries.
	if got := calls.Load(); got != 3 {
		t.Fatalf("handler called %d times, want 3", got)
	}
}

func TestMemoryPublishBlocksWhenFull(t *testing.T) {
	t.Parallel()
	m := NewMemory(logx.Logger{}, WithCapacity(1))

	if err := m.Publish(context.Background(), []byte("a"), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Publish(ctx, []byte("b"), 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("full-queue publish err = %v, want deadline exceeded", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}
