// Package telegram implements the outbound transport.Sender over the
// Telegram Bot API via telebot. It is send-only: the delivery pipeline never
// polls for updates.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgblast/internal/transport"
	"tgblast/pkg/logx"
)

const (
	// Telegram hard limits.
	textLimit    = 4096
	captionLimit = 1024
)

type Config struct {
	Token string
	// Timeout bounds a single Bot API HTTP call. A timeout is classified
	// as transient and retried by the delivery job.
	Timeout time.Duration
	// Offline skips the getMe token check on startup (tests, dry runs).
	Offline bool
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, log: log, bot: b}, nil
}

func (s *Sender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}

	chunks := splitText(text, textLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctxErr(ctx); err != nil {
			return first, classify(err)
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
		}
		// Attach the keyboard only to the first message.
		if i == 0 {
			sendOpt.ReplyMarkup = markup(opt.Keyboard)
		}

		msg, err := s.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}

	return first, nil
}

func (s *Sender) SendPhoto(ctx context.Context, to transport.ChatTarget, photo transport.Photo, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if err := ctxErr(ctx); err != nil {
		return transport.MessageRef{}, classify(err)
	}
	if strings.TrimSpace(photo.Path) == "" {
		return transport.MessageRef{}, transport.Permanent(errors.New("photo path is empty"))
	}

	if over := len([]rune(caption)); over > captionLimit {
		s.log.Debug("caption truncated", logx.Int64("chat_id", to.ChatID), logx.Int("len", over))
		caption = string([]rune(caption)[:captionLimit])
	}

	p := &tele.Photo{File: tele.FromDisk(photo.Path), Caption: caption}
	sendOpt := &tele.SendOptions{
		ParseMode:   opt.ParseMode,
		ReplyMarkup: markup(opt.Keyboard),
	}

	msg, err := s.bot.Send(&tele.Chat{ID: to.ChatID}, p, sendOpt)
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func markup(kb transport.Keyboard) *tele.ReplyMarkup {
	if kb.Empty() {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([][]tele.InlineButton, 0, len(kb))
	for _, row := range kb {
		btns := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			if b.URL == "" && b.Data == "" {
				continue
			}
			btns = append(btns, tele.InlineButton{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		if len(btns) > 0 {
			rows = append(rows, btns)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	rm.InlineKeyboard = rows
	return rm
}

// splitText chunks text at the Telegram message limit, preferring to cut at
// a newline so messages don't break mid-sentence.
func splitText(text string, limit int) []string {
	rs := []rune(text)
	if len(rs) <= limit {
		return []string{text}
	}

	var out []string
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}

		cut := -1
		for i := end - 1; i > start; i-- {
			if rs[i] == '\n' {
				cut = i
				break
			}
		}
		if cut != -1 {
			end = cut
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
