// Package telegram sends operator alerts to a Telegram chat. It backs the
// logx alert sink; the daemon does not receive updates.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// AlertSender implements logx.AlertSender.
type AlertSender struct {
	bot sender
}

type Options struct {
	Token string
	// Offline skips the getMe round trip at construction.
	Offline bool
}

func NewAlertSender(opts Options) (*AlertSender, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   opts.Token,
		Offline: opts.Offline,
		Poller:  &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &AlertSender{bot: b}, nil
}

// SendAlert posts text, split into chunks Telegram accepts, to chatID and
// optionally a forum thread.
func (a *AlertSender) SendAlert(ctx context.Context, chatID int64, threadID int, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ThreadID:              threadID,
			DisableWebPagePreview: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks of a reasonable size.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
