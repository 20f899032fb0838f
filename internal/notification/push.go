package notification

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"

	"signalrelay/internal/config"
	"signalrelay/internal/models"
)

// PushSender is the part of the FCM client the provider uses.
type PushSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type PushProvider struct {
	Client PushSender
}

// NewPushProvider initializes Firebase from a service account file.
func NewPushProvider(ctx context.Context, cfg config.PushConfig) (*PushProvider, error) {
	if strings.TrimSpace(cfg.CredentialsFile) == "" {
		return nil, fmt.Errorf("push credentials file missing")
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &PushProvider{Client: client}, nil
}

func (p *PushProvider) Channel() string { return models.ChannelPush }

func (p *PushProvider) Send(ctx context.Context, msg Message) Outcome {
	if p == nil || p.Client == nil {
		return Failed(ErrNotConfigured)
	}
	token := strings.TrimSpace(msg.Address)
	if token == "" {
		return PermanentFailure(fmt.Errorf("push token missing"))
	}
	body := msg.Short
	if body == "" {
		body = msg.Body
	}
	_, err := p.Client.Send(ctx, &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.Subject,
			Body:  body,
		},
		Data: msg.Data,
	})
	if err != nil {
		if messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err) {
			return PermanentFailure(err)
		}
		return Failed(err)
	}
	return Delivered()
}
