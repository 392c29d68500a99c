package notify

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// botSender is the subset of the Telegram bot API the notifier uses.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends completion notifications to a Telegram chat.
type Telegram struct {
	bot botSender
}

// NewTelegram creates a Telegram notifier with the given bot token.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

// Handler returns a registry handler for "telegram:<chat_id>" targets.
func (t *Telegram) Handler() Handler {
	return func(target, message string) error {
		raw := strings.TrimPrefix(target, "telegram:")
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("bad telegram target %q: %w", target, err)
		}
		t.send(chatID, message)
		return nil
	}
}

func (t *Telegram) send(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				slog.Error("send telegram message", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
