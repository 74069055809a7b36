// Package notify sends sequence transitions to operators over Telegram.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relabs-tech/phase_monitor/internal/journal"
)

// Notifier delivers one transition.
type Notifier interface {
	Notify(ctx context.Context, ev journal.Event) error
}

// Nop drops every notification. Used when Telegram is disabled.
type Nop struct{}

func (Nop) Notify(context.Context, journal.Event) error { return nil }

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts transitions to one chat.
type Telegram struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	host           string
}

func NewTelegram(botToken string, chatID int64, host string) (*Telegram, error) {
	if botToken == "" {
		return nil, fmt.Errorf("notify: telegram bot token is empty")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("notify: telegram chat id is zero")
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: create telegram bot: %w", err)
	}
	return newTelegram(bot, chatID, host), nil
}

func newTelegram(bot sender, chatID int64, host string) *Telegram {
	return &Telegram{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     3,
		retryDelayBase: time.Second,
		host:           host,
	}
}

// Notify sends ev, retrying with a linear backoff until ctx ends.
func (t *Telegram) Notify(ctx context.Context, ev journal.Event) error {
	msg := tgbotapi.NewMessage(t.chatID, FormatTransition(t.host, ev))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := range t.maxRetries {
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == t.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("notify: send after %d attempts: %w", t.maxRetries, lastErr)
}

// FormatTransition renders ev as a MarkdownV2 message.
func FormatTransition(host string, ev journal.Event) string {
	var b strings.Builder
	icon := "⚠️"
	if ev.To == "ABC" {
		icon = "✅"
	}
	fmt.Fprintf(&b, "%s *Phase sequence %s*\n", icon, escapeMarkdownV2(ev.To))
	if host != "" {
		fmt.Fprintf(&b, "Host: %s\n", escapeMarkdownV2(host))
	}
	fmt.Fprintf(&b, "Was: %s\n", escapeMarkdownV2(ev.From))
	fmt.Fprintf(&b, "%s\n", escapeMarkdownV2(ev.Message))
	if ev.Swap != "" && ev.Swap != "none" {
		fmt.Fprintf(&b, "Swap: *%s*\n", escapeMarkdownV2(ev.Swap))
	}
	angles := fmt.Sprintf("AB %.1f° BC %.1f° CA %.1f°", ev.AngleAB, ev.AngleBC, ev.AngleCA)
	fmt.Fprintf(&b, "%s\n", escapeMarkdownV2(angles))
	if !ev.Time.IsZero() {
		fmt.Fprintf(&b, "%s", escapeMarkdownV2(ev.Time.UTC().Format("2006-01-02 15:04:05 MST")))
	}
	return b.String()
}

func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
