package pushgw

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMSender sends push notifications via Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile and returns a ready-to-use FCMSender.
// If credentialsFile is empty, the SDK falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm sender initialised")
	return &FCMSender{client: client}, nil
}

// Send delivers a notification to the given FCM registration token as a
// high-priority data message. The wire keys are flattened since FCM data
// values must be strings; the device side decodes nested descriptors back
// out of their JSON form. A call announcement is useless once the caller
// has hung up, so the TTL is kept short.
func (f *FCMSender) Send(platform, token string, n Notification) error {
	if platform != "fcm" {
		return fmt.Errorf("fcm sender: unsupported platform %q", platform)
	}

	data, err := n.Flatten()
	if err != nil {
		return fmt.Errorf("fcm: %w", err)
	}

	ttl := 30 * time.Second
	msg := &messaging.Message{
		Token: token,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(context.Background(), msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: token no longer valid: %w", err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	slog.Debug("fcm message sent", "message_id", id)
	return nil
}
