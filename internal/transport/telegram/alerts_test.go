package telegram

import (
	"context"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

type fakeBot struct {
	chats   []int64
	threads []int
	texts   []string
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	chat := to.(*tele.Chat)
	f.chats = append(f.chats, chat.ID)
	f.texts = append(f.texts, what.(string))
	if o, ok := opts[0].(*tele.SendOptions); ok {
		f.threads = append(f.threads, o.ThreadID)
	}
	return &tele.Message{ID: len(f.texts)}, nil
}

func TestSendAlertTargetsThread(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	a := &AlertSender{bot: bot}
	if err := a.SendAlert(context.Background(), -100123, 7, "[ERROR] store down"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bot.texts) != 1 || bot.chats[0] != -100123 || bot.threads[0] != 7 {
		t.Fatalf("unexpected send %+v", bot)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	chunks := splitText(text, 70)
	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks, got %d: %q", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len([]rune(c)) > 70 || strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("bad chunk %q", c)
		}
	}
	if got := splitText("short", 70); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text must be one chunk, got %q", got)
	}
}

func TestNewAlertSenderRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := NewAlertSender(Options{}); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
