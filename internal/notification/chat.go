package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signalrelay/internal/config"
	"signalrelay/internal/models"
)

// ChatSender is the part of the Telegram bot API the provider uses.
type ChatSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type ChatProvider struct {
	Bot ChatSender
}

func NewChatProvider(cfg config.TelegramConfig) (*ChatProvider, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("telegram bot token missing")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &ChatProvider{Bot: bot}, nil
}

func (p *ChatProvider) Channel() string { return models.ChannelChat }

func (p *ChatProvider) Send(ctx context.Context, msg Message) Outcome {
	if p == nil || p.Bot == nil {
		return Failed(ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	text := msg.Body
	if text == "" {
		text = msg.Short
	}
	cfg, err := chatMessage(strings.TrimSpace(msg.Address), text)
	if err != nil {
		return PermanentFailure(err)
	}

	// The bot API takes no context. Its HTTP client timeout bounds the call,
	// so the result is always the one Telegram returned.
	if _, err := p.Bot.Send(cfg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == 400 || apiErr.Code == 403) {
			return PermanentFailure(err)
		}
		return Failed(err)
	}
	return Delivered()
}

// chatMessage addresses numeric chat ids directly and @names as channels.
func chatMessage(address, text string) (tgbotapi.MessageConfig, error) {
	if address == "" {
		return tgbotapi.MessageConfig{}, fmt.Errorf("chat id missing")
	}
	if strings.HasPrefix(address, "@") {
		return tgbotapi.NewMessageToChannel(address, text), nil
	}
	id, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("invalid chat id %q", address)
	}
	return tgbotapi.NewMessage(id, text), nil
}
