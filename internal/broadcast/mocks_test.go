package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tgblast/internal/recipients"
	"tgblast/internal/transport"
)

// memStore is an in-memory Store with the same atomicity contract as the
// sqlite implementation: counters mutate under one lock and finalization
// fires for exactly one caller.
type memStore struct {
	mu         sync.Mutex
	broadcasts map[string]*Record
	messages   map[string]*Message

	failReports int // next N ReportOutcome calls error out
}

func newMemStore() *memStore {
	return &memStore{
		broadcasts: map[string]*Record{},
		messages:   map[string]*Message{},
	}
}

func (m *memStore) CreateBroadcast(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.broadcasts[rec.ID] = &cp
	return nil
}

func (m *memStore) Broadcast(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.broadcasts[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *memStore) ReportOutcome(_ context.Context, id string, success bool) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReports > 0 {
		m.failReports--
		return Record{}, false, fmt.Errorf("store unavailable")
	}
	rec, ok := m.broadcasts[id]
	if !ok {
		return Record{}, false, ErrNotFound
	}
	if success {
		rec.SentCount++
	} else {
		rec.FailedCount++
	}
	var finalized bool
	if rec.Status == StatusPending && rec.Processed() >= rec.Total {
		rec.Status = finalStatus(*rec)
		rec.CompletedAt = time.Now().UTC()
		finalized = true
	}
	return *rec, finalized, nil
}

func (m *memStore) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *memStore) Message(_ context.Context, id string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *msg, nil
}

func (m *memStore) MarkMessageSent(_ context.Context, id string, providerID int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Status != MessagePending {
		return nil
	}
	msg.Status = MessageSent
	msg.ProviderMessageID = providerID
	msg.SentAt = at
	return nil
}

func (m *memStore) MarkMessageFailed(_ context.Context, id string, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Status != MessagePending {
		return nil
	}
	msg.Status = MessageFailed
	msg.Error = errText
	return nil
}

// staticResolver returns a fixed recipient set for any spec.
type staticResolver []recipients.Recipient

func (r staticResolver) Resolve(context.Context, recipients.TargetSpec) ([]recipients.Recipient, error) {
	return []recipients.Recipient(r), nil
}

func users(ids ...int64) staticResolver {
	out := make(staticResolver, 0, len(ids))
	for _, id := range ids {
		out = append(out, recipients.Recipient{ChatID: id, Kind: recipients.KindUser})
	}
	return out
}

// fakeSender scripts per-chat outcomes. respond maps a chat id to the error
// sequence its sends return; chats without an entry always succeed. Attempt
// counts are recorded per chat.
type fakeSender struct {
	mu       sync.Mutex
	respond  map[int64][]error
	attempts map[int64]int
	nextID   int
}

func newFakeSender() *fakeSender {
	return &fakeSender{respond: map[int64][]error{}, attempts: map[int64]int{}}
}

func (f *fakeSender) script(chatID int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond[chatID] = errs
}

func (f *fakeSender) attemptsFor(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[chatID]
}

func (f *fakeSender) outcome(chatID int64) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[chatID]++
	if errs := f.respond[chatID]; len(errs) > 0 {
		err := errs[0]
		f.respond[chatID] = errs[1:]
		if err != nil {
			return transport.MessageRef{}, err
		}
	}
	f.nextID++
	return transport.MessageRef{ChatID: chatID, MessageID: f.nextID}, nil
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.outcome(to.ChatID)
}

func (f *fakeSender) SendPhoto(_ context.Context, to transport.ChatTarget, _ transport.Photo, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.outcome(to.ChatID)
}
