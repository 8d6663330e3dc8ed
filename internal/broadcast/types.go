package broadcast

import (
	"context"
	"errors"
	"strings"
	"time"

	"tgblast/internal/recipients"
	"tgblast/internal/transport"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

func (s Status) Final() bool { return s != StatusPending && s != "" }

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

// Content is the tagged message payload: text, photo-with-caption, or both
// fields set (photo wins, text becomes the caption). At least one of
// Text/PhotoPath must be present.
type Content struct {
	Text      string             `json:"text,omitempty"`
	PhotoPath string             `json:"photo_path,omitempty"`
	Keyboard  transport.Keyboard `json:"keyboard,omitempty"`
}

var ErrEmptyContent = errors.New("content needs text or a photo")

func (c Content) Validate() error {
	if strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.PhotoPath) == "" {
		return ErrEmptyContent
	}
	return nil
}

// HasPhoto picks the send method: photo present means send-photo-with-caption.
func (c Content) HasPhoto() bool { return strings.TrimSpace(c.PhotoPath) != "" }

// Record is the persisted aggregate for one broadcast. Counters only grow
// and only through Store.ReportOutcome; Total is fixed at creation.
type Record struct {
	ID          string
	Content     Content
	Target      recipients.TargetSpec
	Total       int
	SentCount   int
	FailedCount int
	Status      Status
	CreatedAt   time.Time
	CompletedAt time.Time // zero until finalized
}

// Processed is the number of recipients accounted for so far.
func (r Record) Processed() int { return r.SentCount + r.FailedCount }

// finalStatus derives the terminal status once all recipients are accounted
// for: completed when nothing failed, failed when nothing was sent,
// completed_with_errors otherwise.
func finalStatus(r Record) Status {
	switch {
	case r.FailedCount == 0:
		return StatusCompleted
	case r.SentCount > 0:
		return StatusCompletedWithErrors
	default:
		return StatusFailed
	}
}

// Message is the per-recipient record used for direct (non-broadcast) sends.
// Its status is terminal: exactly one pending→sent or pending→failed
// transition, never sent→failed.
type Message struct {
	ID                string
	ChatID            int64
	Kind              recipients.Kind
	Content           Content
	Status            MessageStatus
	ProviderMessageID int
	Error             string
	CreatedAt         time.Time
	SentAt            time.Time // zero unless sent
}

// Store is the persistence boundary the pipeline depends on.
//
// ReportOutcome must be atomic per record: concurrent calls from parallel
// delivery jobs may not lose increments, and the pending→final transition
// must happen exactly once (finalized reports true only for the call that
// performed it).
type Store interface {
	CreateBroadcast(ctx context.Context, rec *Record) error
	Broadcast(ctx context.Context, id string) (Record, error)
	ReportOutcome(ctx context.Context, id string, success bool) (rec Record, finalized bool, err error)

	CreateMessage(ctx context.Context, m *Message) error
	Message(ctx context.Context, id string) (Message, error)
	MarkMessageSent(ctx context.Context, id string, providerMessageID int, at time.Time) error
	MarkMessageFailed(ctx context.Context, id string, errText string) error
}

// ErrNotFound is returned by Store lookups for unknown ids.
var ErrNotFound = errors.New("broadcast: not found")
