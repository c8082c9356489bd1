package channel

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// FCMSender is the part of *messaging.Client used by Push.
type FCMSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// NewFCMClient builds a Firebase Cloud Messaging client from a service
// account file.
func NewFCMClient(ctx context.Context, credentialsFile string) (*messaging.Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init fcm client: %w", err)
	}
	return client, nil
}

// Push delivers to a device registration token through FCM.
type Push struct {
	client FCMSender
	logger zerolog.Logger
}

// NewPush returns a Push channel. A nil client leaves it unavailable.
func NewPush(client FCMSender, logger zerolog.Logger) *Push {
	return &Push{client: client, logger: logger.With().Str("channel", TypePush).Logger()}
}

func (p *Push) ChannelType() string { return TypePush }

func (p *Push) IsAvailable() bool { return p.client != nil }

func (p *Push) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("%w: no device token", ErrNotDelivered)
	}
	id, err := p.client.Send(ctx, &messaging.Message{
		Token: msg.Recipient,
		Notification: &messaging.Notification{
			Title: msg.Subject,
			Body:  msg.Content,
		},
		Data: msg.Data,
	})
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("%w: device token no longer registered", ErrNotDelivered)
		}
		return fmt.Errorf("fcm send: %w", err)
	}
	p.logger.Debug().Str("fcm_message_id", id).Msg("push sent")
	return nil
}
