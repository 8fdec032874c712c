package notify

import (
	"fmt"
	"strings"

	"larkbot/internal/lark"
)

const (
	ProviderLark     = "lark"
	ProviderTelegram = "telegram"
)

func NewNotifier(provider string, larkClient *lark.Client, telegramBotToken string) (Notifier, error) {
	switch strings.ToLower(provider) {
	case ProviderLark:
		return NewLark(larkClient), nil
	case ProviderTelegram:
		return NewTelegram(telegramBotToken)
	default:
		return nil, fmt.Errorf("unknown channel provider: %s", provider)
	}
}
