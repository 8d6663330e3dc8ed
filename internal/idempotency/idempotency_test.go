package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryCheckAndSet(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	fresh, err := m.CheckAndSet(ctx, "bc:1:42", time.Hour)
	if err != nil || !fresh {
		t.Fatalf("first claim = %v, %v", fresh, err)
	}
	fresh, err = m.CheckAndSet(ctx, "bc:1:42", time.Hour)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if fresh {
		t.Fatal("live key claimed twice")
	}
	// Different recipient, same broadcast: independent key.
	fresh, err = m.CheckAndSet(ctx, "bc:1:43", time.Hour)
	if err != nil || !fresh {
		t.Fatalf("sibling claim = %v, %v", fresh, err)
	}

	if _, err := m.CheckAndSet(ctx, "", time.Hour); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("empty key err = %v", err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.CheckAndSet(ctx, "k", 10*time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	fresh, err := m.CheckAndSet(ctx, "k", time.Hour)
	if err != nil || !fresh {
		t.Fatalf("expired key not reclaimable: %v, %v", fresh, err)
	}
}

func TestMemoryConcurrentClaims(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	const goroutines = 32
	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := m.CheckAndSet(context.Background(), "contested", time.Hour)
			if err != nil {
				t.Errorf("CheckAndSet: %v", err)
				return
			}
			if fresh {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := claimed.Load(); got != 1 {
		t.Fatalf("%d goroutines claimed the key, want exactly 1", got)
	}
}

type fakeMarkerStore struct {
	mu   sync.Mutex
	rows map[string]time.Time
}

func (f *fakeMarkerStore) PutDedupIfAbsent(_ context.Context, key string, until time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = map[string]time.Time{}
	}
	if cur, ok := f.rows[key]; ok && time.Now().Before(cur) {
		return false, nil
	}
	f.rows[key] = until
	return true, nil
}

func TestStoreAdapter(t *testing.T) {
	t.Parallel()
	s := NewStore(&fakeMarkerStore{})
	ctx := context.Background()

	fresh, err := s.CheckAndSet(ctx, "k", time.Hour)
	if err != nil || !fresh {
		t.Fatalf("first claim = %v, %v", fresh, err)
	}
	fresh, err = s.CheckAndSet(ctx, "k", time.Hour)
	if err != nil || fresh {
		t.Fatalf("second claim = %v, %v; want false, nil", fresh, err)
	}
	if _, err := s.CheckAndSet(ctx, "", time.Hour); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("empty key err = %v", err)
	}
}

func TestMemoryCleanupKeepsLiveKeys(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.CheckAndSet(ctx, "live", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Push enough ops through to trigger the amortized sweep.
	for i := 0; i < 600; i++ {
		if _, err := m.CheckAndSet(ctx, fmt.Sprintf("churn-%d", i), time.Nanosecond); err != nil {
			t.Fatalf("claim churn-%d: %v", i, err)
		}
	}
	fresh, err := m.CheckAndSet(ctx, "live", time.Hour)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if fresh {
		t.Fatal("sweep evicted a live key")
	}
}
