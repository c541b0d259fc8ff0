// Package notify delivers log alerts to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// telegramTextLimit is the Bot API message limit in UTF-16 units; runes are
// a close enough bound for log text.
const telegramTextLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// sender is the subset of *tele.Bot used here.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram implements logx.AlertSender.
type Telegram struct {
	bot  sender
	chat *tele.Chat
	opt  *tele.SendOptions
}

// NewTelegram creates an offline bot: it sends messages but never polls
// for updates.
func NewTelegram(cfg Config) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newTelegram(b, cfg), nil
}

func newTelegram(bot sender, cfg Config) *Telegram {
	return &Telegram{
		bot:  bot,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt: &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		},
	}
}

// SendAlert sends text, split into several messages when it exceeds the
// message limit.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(t.chat, chunk, t.opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring line breaks.
func splitText(s string, limit int) []string {
	r := []rune(s)
	if len(r) <= limit {
		return []string{s}
	}
	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
