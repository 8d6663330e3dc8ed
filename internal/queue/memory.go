package queue

import (
	"context"
	"sync"
	"time"

	"tgblast/pkg/logx"
)

const (
	defaultMemoryCapacity     = 4096
	defaultMemoryRedeliveries = 3
)

// Memory is the in-process queue driver for single-node deployments and
// tests. Publish blocks when the buffer is full instead of dropping:
// fan-out enqueueing is allowed to be slow, not lossy.
type Memory struct {
	log logx.Logger

	ch chan memItem

	// maxRedeliveries bounds how often a payload is re-fed to the handler
	// after it returned an error.
	maxRedeliveries int

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
}

type memItem struct {
	payload  []byte
	attempts int
}

type MemoryOption func(*Memory)

func WithCapacity(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.ch = make(chan memItem, n)
		}
	}
}

func WithMaxRedeliveries(n int) MemoryOption {
	return func(m *Memory) { m.maxRedeliveries = n }
}

func NewMemory(log logx.Logger, opts ...MemoryOption) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Memory{
		log:             log,
		ch:              make(chan memItem, defaultMemoryCapacity),
		maxRedeliveries: defaultMemoryRedeliveries,
		timers:          map[*time.Timer]struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Publish(ctx context.Context, payload []byte, delay time.Duration) error {
	cp := append([]byte(nil), payload...)
	if delay <= 0 {
		return m.push(ctx, memItem{payload: cp})
	}

	// Delayed publish: hand the payload to a timer. Delivery is best-effort
	// if the process dies before the timer fires; the record stays pending,
	// which is the accepted partial-enqueue failure mode.
	var tmr *time.Timer
	tmr = time.AfterFunc(delay, func() {
		m.timerMu.Lock()
		delete(m.timers, tmr)
		m.timerMu.Unlock()
		if err := m.push(context.Background(), memItem{payload: cp}); err != nil {
			m.log.Warn("delayed publish dropped", logx.Err(err))
		}
	})
	m.timerMu.Lock()
	m.timers[tmr] = struct{}{}
	m.timerMu.Unlock()
	return nil
}

func (m *Memory) push(ctx context.Context, it memItem) error {
	select {
	case m.ch <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Run(ctx context.Context, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case it := <-m.ch:
					m.deliver(ctx, it, h)
				}
			}
		}()
	}
	wg.Wait()

	// Stop pending delay timers so delayed payloads don't fire into a
	// queue nobody drains.
	m.timerMu.Lock()
	for tmr := range m.timers {
		tmr.Stop()
	}
	m.timers = map[*time.Timer]struct{}{}
	m.timerMu.Unlock()
	return ctx.Err()
}

func (m *Memory) deliver(ctx context.Context, it memItem, h Handler) {
	err := h(ctx, it.payload)
	if err == nil || ctx.Err() != nil {
		return
	}
	if it.attempts >= m.maxRedeliveries {
		m.log.Warn("payload dropped after redeliveries", logx.Int("attempts", it.attempts+1), logx.Err(err))
		return
	}
	it.attempts++
	select {
	case m.ch <- it:
	case <-ctx.Done():
	}
}

// Len reports the number of buffered payloads (excluding delayed ones).
func (m *Memory) Len() int { return len(m.ch) }
