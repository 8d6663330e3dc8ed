package broadcast

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"tgblast/internal/eventbus"
	"tgblast/internal/transport"
	"tgblast/pkg/logx"
)

// jobPayload is the wire form of one delivery job. Exactly one of
// BroadcastID / MessageID is set.
type jobPayload struct {
	BroadcastID string  `json:"broadcast_id,omitempty"`
	MessageID   string  `json:"message_id,omitempty"`
	ChatID      int64   `json:"chat_id"`
	Kind        string  `json:"kind,omitempty"`
	Content     Content `json:"content"`
}

// handle is the queue consumer entry point. It always returns nil: retries
// happen inside deliver, and a malformed payload is poison that redelivery
// cannot cure.
func (s *Service) handle(ctx context.Context, payload []byte) error {
	var job jobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		s.log.Error("dropping undecodable delivery job", logx.Err(err))
		return nil
	}
	if job.ChatID == 0 || job.Content.Validate() != nil {
		s.log.Error("dropping incomplete delivery job",
			logx.String("broadcast_id", job.BroadcastID),
			logx.String("message_id", job.MessageID))
		return nil
	}
	s.deliver(ctx, job)
	return nil
}

// deliver runs the attempt loop for one recipient and reports the terminal
// outcome. Transient errors are retried on the backoff schedule, a flood
// hint from the provider raising the floor; permanent errors short-circuit.
// Context cancellation abandons the job without reporting, leaving it to
// queue redelivery.
func (s *Service) deliver(ctx context.Context, job jobPayload) {
	cfg, lim := s.snapshot()
	log := s.log.With(
		logx.String("broadcast_id", job.BroadcastID),
		logx.String("message_id", job.MessageID),
		logx.Int64("chat_id", job.ChatID),
	)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			log.Debug("delivery abandoned waiting for rate limiter")
			return
		}
		ref, err := s.send(ctx, job)
		if err == nil {
			if attempt > 1 {
				log.Debug("delivery recovered", logx.Int("attempt", attempt))
			}
			s.reportSuccess(ctx, job, ref)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			log.Debug("delivery abandoned mid-send")
			return
		}
		if !transport.Retryable(err) {
			log.Warn("delivery rejected", logx.Int("attempt", attempt), logx.Err(err))
			s.reportFailure(ctx, job, err)
			return
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := backoffAt(cfg.Backoff, attempt)
		if hint := transport.RetryAfterHint(err); hint > delay {
			delay = hint
		}
		log.Debug("delivery retry scheduled",
			logx.Int("attempt", attempt),
			logx.Duration("in", delay),
			logx.Err(err))
		if !sleep(ctx, delay) {
			return
		}
	}
	log.Warn("delivery gave up",
		logx.Int("attempts", cfg.MaxAttempts),
		logx.Err(lastErr))
	s.reportFailure(ctx, job, lastErr)
}

func (s *Service) send(ctx context.Context, job jobPayload) (transport.MessageRef, error) {
	to := transport.ChatTarget{ChatID: job.ChatID}
	opt := &transport.SendOptions{Keyboard: job.Content.Keyboard}
	if job.Content.HasPhoto() {
		return s.sender.SendPhoto(ctx, to, transport.Photo{Path: job.Content.PhotoPath}, job.Content.Text, opt)
	}
	return s.sender.SendText(ctx, to, job.Content.Text, opt)
}

// backoffAt returns the delay before attempt n+1. The schedule's last entry
// repeats when attempts outnumber entries.
func backoffAt(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if attempt > len(schedule) {
		attempt = len(schedule)
	}
	return schedule[attempt-1]
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) reportSuccess(ctx context.Context, job jobPayload, ref transport.MessageRef) {
	if job.MessageID != "" {
		if err := s.store.MarkMessageSent(ctx, job.MessageID, ref.MessageID, time.Now().UTC()); err != nil {
			s.log.Error("mark message sent failed",
				logx.String("message_id", job.MessageID), logx.Err(err))
		}
	}
	if job.BroadcastID != "" {
		s.reportOutcome(ctx, job, true)
	}
	s.publish(eventbus.DeliverySent, DeliveryEvent{
		BroadcastID: job.BroadcastID,
		MessageID:   job.MessageID,
		ChatID:      job.ChatID,
	})
}

func (s *Service) reportFailure(ctx context.Context, job jobPayload, cause error) {
	errText := "send failed"
	if cause != nil {
		errText = cause.Error()
	}
	if job.MessageID != "" {
		if err := s.store.MarkMessageFailed(ctx, job.MessageID, errText); err != nil {
			s.log.Error("mark message failed failed",
				logx.String("message_id", job.MessageID), logx.Err(err))
		}
	}
	if job.BroadcastID != "" {
		s.reportOutcome(ctx, job, false)
	}
	s.publish(eventbus.DeliveryFailed, DeliveryEvent{
		BroadcastID: job.BroadcastID,
		MessageID:   job.MessageID,
		ChatID:      job.ChatID,
		Error:       errText,
	})
}

// reportOutcome counts one recipient toward the broadcast's aggregate,
// exactly once. The outcome marker absorbs queue redeliveries; a marker
// backend outage fails open (counting twice on a redelivery beats never
// finalizing). The counter update itself is retried briefly because losing
// it would strand the record in pending forever.
func (s *Service) reportOutcome(ctx context.Context, job jobPayload, success bool) {
	cfg, _ := s.snapshot()
	key := "bc:" + job.BroadcastID + ":" + strconv.FormatInt(job.ChatID, 10)
	fresh, err := s.checker.CheckAndSet(ctx, key, cfg.MarkerTTL)
	if err != nil {
		s.log.Warn("outcome marker unavailable, counting anyway",
			logx.String("broadcast_id", job.BroadcastID), logx.Err(err))
	} else if !fresh {
		s.log.Debug("duplicate outcome suppressed",
			logx.String("broadcast_id", job.BroadcastID),
			logx.Int64("chat_id", job.ChatID))
		s.publish(eventbus.DeliveryDeduped, DeliveryEvent{
			BroadcastID: job.BroadcastID,
			ChatID:      job.ChatID,
		})
		return
	}

	var (
		rec       Record
		finalized bool
	)
	for i := 0; ; i++ {
		rec, finalized, err = s.store.ReportOutcome(ctx, job.BroadcastID, success)
		if err == nil {
			break
		}
		if i == 2 || !sleep(ctx, time.Duration(i+1)*100*time.Millisecond) {
			s.log.Error("outcome report lost, broadcast may stay pending",
				logx.String("broadcast_id", job.BroadcastID), logx.Err(err))
			return
		}
	}
	if rec.Processed() > rec.Total {
		s.log.Warn("processed count exceeds total",
			logx.String("broadcast_id", job.BroadcastID),
			logx.Int("processed", rec.Processed()),
			logx.Int("total", rec.Total))
	}
	if finalized {
		s.log.Info("broadcast finalized",
			logx.String("broadcast_id", rec.ID),
			logx.String("status", string(rec.Status)),
			logx.Int("sent", rec.SentCount),
			logx.Int("failed", rec.FailedCount),
			logx.Int("total", rec.Total))
		s.publish(eventbus.BroadcastFinalized, FinalizedEvent{
			ID:     rec.ID,
			Status: rec.Status,
			Sent:   rec.SentCount,
			Failed: rec.FailedCount,
			Total:  rec.Total,
		})
	}
}
