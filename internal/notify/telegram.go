package notify

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier is the Telegram rendition of the notifier: the
// acknowledgement is a reply message and partial updates edit its text.
// Channel and message ids travel as strings to fit the Handle shape.
type TelegramNotifier struct {
	api *tgbotapi.BotAPI
}

func NewTelegram(botToken string) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("init telegram api: %w", err)
	}
	return &TelegramNotifier{api: api}, nil
}

func (n *TelegramNotifier) Acknowledge(ctx context.Context, channelID, messageID string) (Handle, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return Handle{}, fmt.Errorf("telegram chat id %q: %w", channelID, err)
	}
	msg := tgbotapi.NewMessage(chatID, "...")
	if replyTo, err := strconv.Atoi(messageID); err == nil {
		msg.ReplyToMessageID = replyTo
	}
	sent, err := n.api.Send(msg)
	if err != nil {
		return Handle{}, fmt.Errorf("telegram acknowledge: %w", err)
	}
	return Handle{
		ChannelID: channelID,
		MessageID: strconv.Itoa(sent.MessageID),
		Status:    AckSuccess,
	}, nil
}

func (n *TelegramNotifier) Update(ctx context.Context, h Handle, content, trailer string, final bool) error {
	chatID, err := strconv.ParseInt(h.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", h.ChannelID, err)
	}
	msgID, err := strconv.Atoi(h.MessageID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", h.MessageID, err)
	}
	text := content
	if final && trailer != "" {
		text += "\n\n" + trailer
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, text)
	if _, err := n.api.Send(edit); err != nil {
		return fmt.Errorf("telegram update: %w", err)
	}
	return nil
}

func (n *TelegramNotifier) Send(ctx context.Context, channelID, text string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", channelID, err)
	}
	if _, err := n.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
