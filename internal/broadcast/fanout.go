package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tgblast/internal/eventbus"
	"tgblast/internal/recipients"
	"tgblast/pkg/logx"
)

// CreatedEvent is the Data payload of eventbus.BroadcastCreated.
type CreatedEvent struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

// FinalizedEvent is the Data payload of eventbus.BroadcastFinalized.
type FinalizedEvent struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
	Total  int    `json:"total"`
}

// DeliveryEvent is the Data payload of the per-recipient delivery events.
type DeliveryEvent struct {
	BroadcastID string `json:"broadcast_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	ChatID      int64  `json:"chat_id"`
	Error       string `json:"error,omitempty"`
}

// CreateBroadcast resolves the audience, persists a pending record sized to
// it and enqueues one delivery job per recipient. The returned id can be
// polled with Broadcast; the record's status is the only completion signal.
//
// An empty audience short-circuits: the record is created already completed
// with zero totals and no jobs are enqueued.
func (s *Service) CreateBroadcast(ctx context.Context, content Content, target recipients.TargetSpec) (string, error) {
	return s.createBroadcast(ctx, content, target, 0)
}

// ScheduleBroadcast is CreateBroadcast with the delivery jobs deferred until
// at. The record itself is created immediately, pending. A past timestamp
// behaves like CreateBroadcast.
func (s *Service) ScheduleBroadcast(ctx context.Context, content Content, target recipients.TargetSpec, at time.Time) (string, error) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	return s.createBroadcast(ctx, content, target, delay)
}

func (s *Service) createBroadcast(ctx context.Context, content Content, target recipients.TargetSpec, delay time.Duration) (string, error) {
	if err := content.Validate(); err != nil {
		return "", err
	}
	if err := target.Validate(); err != nil {
		return "", err
	}
	recs, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		return "", fmt.Errorf("resolve recipients: %w", err)
	}

	rec := &Record{
		ID:        uuid.NewString(),
		Content:   content,
		Target:    target,
		Total:     len(recs),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if len(recs) == 0 {
		rec.Status = StatusCompleted
		rec.CompletedAt = rec.CreatedAt
	}
	if err := s.store.CreateBroadcast(ctx, rec); err != nil {
		return "", fmt.Errorf("create broadcast: %w", err)
	}
	s.publish(eventbus.BroadcastCreated, CreatedEvent{ID: rec.ID, Total: rec.Total})
	if len(recs) == 0 {
		s.log.Info("broadcast resolved to nobody",
			logx.String("broadcast_id", rec.ID),
			logx.String("audience", string(target.Audience)))
		s.publish(eventbus.BroadcastFinalized, FinalizedEvent{ID: rec.ID, Status: StatusCompleted})
		return rec.ID, nil
	}

	enqueued := 0
	for _, r := range recs {
		payload, err := json.Marshal(jobPayload{
			BroadcastID: rec.ID,
			ChatID:      r.ChatID,
			Kind:        string(r.Kind),
			Content:     content,
		})
		if err != nil {
			return rec.ID, fmt.Errorf("encode job: %w", err)
		}
		if err := s.queue.Publish(ctx, payload, delay); err != nil {
			// Remaining recipients never get a job; their outcomes will
			// never be reported and the record stays pending. Surface the
			// partial fan-out instead of silently losing it.
			s.log.Error("fan-out interrupted",
				logx.String("broadcast_id", rec.ID),
				logx.Int("enqueued", enqueued),
				logx.Int("total", rec.Total),
				logx.Err(err))
			return rec.ID, fmt.Errorf("enqueue delivery %d/%d: %w", enqueued+1, rec.Total, err)
		}
		enqueued++
	}
	s.log.Info("broadcast created",
		logx.String("broadcast_id", rec.ID),
		logx.String("audience", string(target.Audience)),
		logx.Int("recipients", rec.Total),
		logx.Duration("delay", delay))
	return rec.ID, nil
}

// Send delivers content to a single recipient outside any broadcast. It
// creates a pending message record, enqueues one delivery job and returns
// the message id; the record transitions to sent or failed exactly once.
func (s *Service) Send(ctx context.Context, to recipients.Recipient, content Content) (string, error) {
	if err := content.Validate(); err != nil {
		return "", err
	}
	if to.ChatID == 0 {
		return "", fmt.Errorf("send: chat id is required")
	}
	m := &Message{
		ID:        uuid.NewString(),
		ChatID:    to.ChatID,
		Kind:      to.Kind,
		Content:   content,
		Status:    MessagePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	payload, err := json.Marshal(jobPayload{
		MessageID: m.ID,
		ChatID:    to.ChatID,
		Kind:      string(to.Kind),
		Content:   content,
	})
	if err != nil {
		return m.ID, fmt.Errorf("encode job: %w", err)
	}
	if err := s.queue.Publish(ctx, payload, 0); err != nil {
		return m.ID, fmt.Errorf("enqueue delivery: %w", err)
	}
	s.log.Debug("direct send queued",
		logx.String("message_id", m.ID),
		logx.Int64("chat_id", to.ChatID))
	return m.ID, nil
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
