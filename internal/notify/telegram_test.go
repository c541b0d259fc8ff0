package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

type fakeBot struct {
	sent []string
	to   []string
	opts []*tele.SendOptions
	err  error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.to = append(f.to, to.Recipient())
	f.sent = append(f.sent, what.(string))
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			f.opts = append(f.opts, so)
		}
	}
	return &tele.Message{ID: len(f.sent)}, nil
}

func TestSendAlert(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegram(bot, Config{ChatID: -100123, ThreadID: 7})

	require.NoError(t, tg.SendAlert(context.Background(), "task backup failed"))
	require.Equal(t, []string{"task backup failed"}, bot.sent)
	assert.Equal(t, "-100123", bot.to[0])
	require.Len(t, bot.opts, 1)
	assert.Equal(t, 7, bot.opts[0].ThreadID)
	assert.True(t, bot.opts[0].DisableWebPagePreview)
}

func TestSendAlertSplitsLongText(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegram(bot, Config{ChatID: 1})

	line := strings.Repeat("x", 99) + "\n"
	text := strings.Repeat(line, 50) // 5000 runes
	require.NoError(t, tg.SendAlert(context.Background(), text))

	require.Len(t, bot.sent, 2)
	assert.Equal(t, text, bot.sent[0]+bot.sent[1])
	for _, m := range bot.sent {
		assert.LessOrEqual(t, len([]rune(m)), telegramTextLimit)
	}
	assert.True(t, strings.HasSuffix(bot.sent[0], "\n"))
}

func TestSendAlertErrors(t *testing.T) {
	bot := &fakeBot{err: errors.New("flood wait")}
	tg := newTelegram(bot, Config{ChatID: 1})
	assert.EqualError(t, tg.SendAlert(context.Background(), "x"), "flood wait")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, newTelegram(&fakeBot{}, Config{ChatID: 1}).SendAlert(ctx, "x"), context.Canceled)
}

func TestNewTelegramRequiresTarget(t *testing.T) {
	_, err := NewTelegram(Config{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegram(Config{Token: "123:abc"})
	assert.Error(t, err)
}
