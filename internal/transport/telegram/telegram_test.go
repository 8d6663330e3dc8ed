package telegram

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgblast/internal/transport"
	"tgblast/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		retryable  bool
		retryAfter time.Duration
	}{
		{"flood wait carries hint", tele.FloodError{RetryAfter: 14}, true, 14 * time.Second},
		{"plain 429", &tele.Error{Code: 429, Description: "Too Many Requests"}, true, 0},
		{"bot blocked", &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, false, 0},
		{"bad chat id", &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, false, 0},
		{"server error", &tele.Error{Code: 502, Description: "Bad Gateway"}, true, 0},
		{"timeout", context.DeadlineExceeded, true, 0},
		{"network", &net.OpError{Op: "dial", Err: errors.New("refused")}, true, 0},
		{"unknown", errors.New("mystery"), true, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			if got == nil {
				t.Fatal("classify returned nil")
			}
			if transport.Retryable(got) != tt.retryable {
				t.Fatalf("retryable = %v, want %v", transport.Retryable(got), tt.retryable)
			}
			if hint := transport.RetryAfterHint(got); hint != tt.retryAfter {
				t.Fatalf("retry after = %v, want %v", hint, tt.retryAfter)
			}
		})
	}

	if classify(nil) != nil {
		t.Fatal("classify(nil) != nil")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	t.Run("short text untouched", func(t *testing.T) {
		t.Parallel()
		got := splitText("hello", 4096)
		if len(got) != 1 || got[0] != "hello" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("prefers newline boundaries", func(t *testing.T) {
		t.Parallel()
		text := strings.Repeat("a", 90) + "\n" + strings.Repeat("b", 50)
		got := splitText(text, 100)
		if len(got) != 2 {
			t.Fatalf("chunks = %d, want 2", len(got))
		}
		if strings.ContainsRune(got[0], 'b') {
			t.Fatalf("first chunk crossed the newline: %q", got[0])
		}
	})

	t.Run("hard split without newline", func(t *testing.T) {
		t.Parallel()
		got := splitText(strings.Repeat("x", 250), 100)
		if len(got) != 3 {
			t.Fatalf("chunks = %d, want 3", len(got))
		}
		var total int
		for _, c := range got {
			if len([]rune(c)) > 100 {
				t.Fatalf("chunk over limit: %d runes", len([]rune(c)))
			}
			total += len([]rune(c))
		}
		if total != 250 {
			t.Fatalf("reassembled %d runes, want 250", total)
		}
	})

	t.Run("multibyte runes stay intact", func(t *testing.T) {
		t.Parallel()
		got := splitText(strings.Repeat("ж", 150), 100)
		if len(got) != 2 {
			t.Fatalf("chunks = %d, want 2", len(got))
		}
		for _, c := range got {
			if strings.ContainsRune(c, '�') {
				t.Fatalf("chunk contains a broken rune: %q", c)
			}
		}
	})
}

func TestMarkup(t *testing.T) {
	t.Parallel()

	if markup(nil) != nil {
		t.Fatal("empty keyboard produced markup")
	}
	rm := markup(transport.Keyboard{
		{{Text: "Open", URL: "https://example.org"}, {Text: "no target"}},
		{{Text: "Pick", Data: "pick:1"}},
		{{Text: "dead row"}},
	})
	if rm == nil {
		t.Fatal("keyboard dropped entirely")
	}
	if len(rm.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want 2 (empty rows dropped)", len(rm.InlineKeyboard))
	}
	if len(rm.InlineKeyboard[0]) != 1 || rm.InlineKeyboard[0][0].URL != "https://example.org" {
		t.Fatalf("row 0 = %+v", rm.InlineKeyboard[0])
	}
	if rm.InlineKeyboard[1][0].Data != "pick:1" {
		t.Fatalf("row 1 = %+v", rm.InlineKeyboard[1])
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: ""}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := New(Config{Offline: true}, logx.Nop()); err != nil {
		t.Fatalf("offline sender rejected: %v", err)
	}
}
