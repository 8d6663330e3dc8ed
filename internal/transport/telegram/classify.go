package telegram

import (
	"context"
	"errors"
	"net"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgblast/internal/transport"
)

// classify maps a telebot error onto the transport error model.
//
//   - flood wait (429): transient, with the provider's retry-after hint
//   - other 4xx (bad chat id, bot blocked, rejected content): permanent
//   - 5xx, network errors, timeouts, cancellation: transient
//   - anything unrecognized: transient (retries are bounded)
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		se := transport.Transient(err)
		if flood.RetryAfter > 0 {
			se.RetryAfter = time.Duration(flood.RetryAfter) * time.Second
		}
		return se
	}

	var te *tele.Error
	if errors.As(err, &te) {
		if te.Code == 429 {
			return transport.Transient(err)
		}
		if te.Code >= 400 && te.Code < 500 {
			return transport.Permanent(err)
		}
		return transport.Transient(err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transport.Transient(err)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return transport.Transient(err)
	}

	return transport.Transient(err)
}
