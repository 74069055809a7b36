package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/phase_monitor/internal/journal"
)

type fakeBot struct {
	fails int
	sent  []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.fails > 0 {
		f.fails--
		return tgbotapi.Message{}, errors.New("429 too many requests")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ABC", "ABC"},
		{"A-B", "A\\-B"},
		{"120.5", "120\\.5"},
		{"(x)!", "\\(x\\)\\!"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeMarkdownV2(tt.in))
	}
}

func TestFormatTransition(t *testing.T) {
	ev := journal.Event{
		From:    "ABC",
		To:      "ACB",
		Message: "SWAP phases B and C to correct sequence",
		Swap:    "B-C",
		AngleAB: 240, AngleBC: 240, AngleCA: 240,
		Time: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	msg := FormatTransition("panel-3", ev)
	assert.Contains(t, msg, "*Phase sequence ACB*")
	assert.Contains(t, msg, "Host: panel\\-3")
	assert.Contains(t, msg, "Swap: *B\\-C*")
	assert.Contains(t, msg, "AB 240\\.0°")
	assert.Contains(t, msg, "2026\\-05\\-04 10:00:00 UTC")

	ok := FormatTransition("", journal.Event{From: "error", To: "ABC", Swap: "none"})
	assert.NotContains(t, ok, "Swap:")
	assert.NotContains(t, ok, "Host:")
}

func TestNotifyRetries(t *testing.T) {
	bot := &fakeBot{fails: 2}
	tg := newTelegram(bot, 42, "")
	tg.retryDelayBase = time.Millisecond

	require.NoError(t, tg.Notify(context.Background(), journal.Event{To: "ABC"}))
	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdownV2, bot.sent[0].ParseMode)
}

func TestNotifyGivesUp(t *testing.T) {
	bot := &fakeBot{fails: 10}
	tg := newTelegram(bot, 42, "")
	tg.retryDelayBase = time.Millisecond

	err := tg.Notify(context.Background(), journal.Event{To: "error"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 attempts")
	assert.Equal(t, 7, bot.fails)
}

func TestNotifyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tg := newTelegram(&fakeBot{fails: 10}, 42, "")
	assert.ErrorIs(t, tg.Notify(ctx, journal.Event{}), context.Canceled)
	assert.NoError(t, Nop{}.Notify(ctx, journal.Event{}))
}

func TestNewTelegramRejectsEmpty(t *testing.T) {
	_, err := NewTelegram("", 1, "")
	assert.Error(t, err)
	_, err = NewTelegram("token", 0, "")
	assert.Error(t, err)
}
