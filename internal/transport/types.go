package transport

import "context"

// ChatTarget addresses a Telegram chat: a private user chat, a group, or a
// channel. The Bot API uses one id space for all three.
type ChatTarget struct {
	ChatID int64
}

// MessageRef identifies a message the provider accepted.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is one inline-keyboard button. Exactly one of URL / Data should be
// set; buttons with neither are dropped by the adapter.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}

// Keyboard is an inline keyboard layout: rows of buttons.
type Keyboard [][]Button

func (k Keyboard) Empty() bool {
	for _, row := range k {
		if len(row) > 0 {
			return false
		}
	}
	return true
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       Keyboard
}

// Photo references an image asset by path. Resolving the reference to actual
// bytes is the adapter's concern (the content store behind it is opaque).
type Photo struct {
	Path string
}

// Sender is the outbound half of the Bot API boundary. Implementations must
// return *SendError so callers can distinguish transient from permanent
// failures without knowing provider specifics.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photo Photo, caption string, opt *SendOptions) (MessageRef, error)
}
