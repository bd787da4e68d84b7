// Package notify delivers out-of-band messages about trading decisions.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/mscarn/dunder_verticals/internal/config"
)

// Notifier delivers a human-readable message. Delivery is best effort:
// callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Noop discards every message.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// LogNotifier writes messages to the application log. It is the fallback
// when no external channel is configured.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, message string) error {
	n.Log.WithField("channel", "log").Info(message)
	return nil
}

// TelegramNotifier sends messages to a Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier authenticates against the Telegram bot API.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram auth: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, message)
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	return nil
}

// FromConfig builds the configured notifier: Telegram when a token and chat
// id are present, otherwise the log fallback.
func FromConfig(cfg *config.Config, log logrus.FieldLogger) Notifier {
	nc := cfg.Notifications
	if nc.TelegramToken != "" && nc.TelegramChatID != 0 {
		tn, err := NewTelegramNotifier(nc.TelegramToken, nc.TelegramChatID)
		if err != nil {
			log.WithError(err).Warn("telegram notifier unavailable, falling back to log")
			return LogNotifier{Log: log}
		}
		return tn
	}
	return LogNotifier{Log: log}
}
