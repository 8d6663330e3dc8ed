// Package queue is the delivery-job queue boundary.
//
// Semantics are at-least-once: a payload may be delivered to the handler
// more than once (worker crash, redelivery, broker retry). Handlers must be
// idempotent; the broadcast pipeline guards its outcome reports with
// idempotency markers for exactly this reason.
package queue

import (
	"context"
	"time"
)

// Handler processes one payload. A non-nil error asks the driver for
// redelivery (bounded per driver); nil acknowledges the payload.
type Handler func(ctx context.Context, payload []byte) error

// Queue is the producer side. delay postpones the first delivery attempt
// (used for scheduled broadcasts).
type Queue interface {
	Publish(ctx context.Context, payload []byte, delay time.Duration) error
}

// Consumer is the worker side. Run blocks, feeding payloads to h with the
// given concurrency, until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context, concurrency int, h Handler) error
}
