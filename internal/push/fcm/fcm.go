// Package fcm delivers notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/linnemanlabs/warden/internal/dispatch"
)

// Sender is the subset of *messaging.Client the transport uses.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// Transport sends one FCM message per device token.
type Transport struct {
	sender Sender
	// invalid reports whether an FCM error means the token is dead.
	invalid func(error) bool
}

// New builds a Transport from a service account credentials file, or from
// application default credentials when credentialsFile is empty. An empty
// projectID is taken from the credentials.
func New(ctx context.Context, credentialsFile, projectID string) (*Transport, error) {
	var cfg *firebase.Config
	if projectID != "" {
		cfg = &firebase.Config{ProjectID: projectID}
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("fcm: init app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: messaging client: %w", err)
	}
	return NewWithSender(client), nil
}

// NewWithSender wraps an existing sender.
func NewWithSender(s Sender) *Transport {
	return &Transport{sender: s, invalid: isTokenError}
}

func isTokenError(err error) bool {
	return messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err) || messaging.IsInvalidArgument(err)
}

// Send implements dispatch.Transport.
func (t *Transport) Send(ctx context.Context, token string, msg *dispatch.Message) error {
	_, err := t.sender.Send(ctx, buildMessage(token, msg))
	if err == nil {
		return nil
	}
	if t.invalid(err) {
		return errors.Join(dispatch.ErrInvalidToken, err)
	}
	return fmt.Errorf("fcm: send: %w", err)
}

func buildMessage(token string, msg *dispatch.Message) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
		},
		Webpush: &messaging.WebpushConfig{
			Headers: map[string]string{"Urgency": "high"},
		},
	}
}
