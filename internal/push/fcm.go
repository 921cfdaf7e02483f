package push

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/notify"
)

// FCMConfig contains Firebase Cloud Messaging credentials.
type FCMConfig struct {
	ProjectID       string
	CredentialsPath string
	CredentialsJSON string
}

// FCMTransport delivers push messages through Firebase Cloud Messaging.
type FCMTransport struct {
	client *messaging.Client
	logger *zap.Logger
}

// NewFCMTransport initializes the Firebase app and messaging client.
func NewFCMTransport(ctx context.Context, cfg FCMConfig, logger *zap.Logger) (*FCMTransport, error) {
	opts, err := firebaseOptions(cfg)
	if err != nil {
		return nil, err
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("create fcm messaging client: %w", err)
	}

	logger.Info("fcm transport initialized", zap.String("project_id", cfg.ProjectID))
	return &FCMTransport{client: client, logger: logger}, nil
}

func firebaseOptions(cfg FCMConfig) ([]option.ClientOption, error) {
	switch {
	case cfg.CredentialsPath != "":
		return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsPath)}, nil
	case cfg.CredentialsJSON != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(cfg.CredentialsJSON))}, nil
	case os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "":
		return nil, nil // application default credentials
	default:
		return nil, fmt.Errorf("firebase credentials not provided")
	}
}

// Name implements Transport.
func (t *FCMTransport) Name() string { return "fcm" }

// DeliverToEndpoint sends the message to one device token.
func (t *FCMTransport) DeliverToEndpoint(ctx context.Context, endpoint *db.DeviceEndpoint, msg *notify.Message) (string, error) {
	msgID, err := t.client.Send(ctx, t.buildMessage(msg, endpoint.Token, ""))
	if err != nil {
		return "", t.classify(err)
	}
	return msgID, nil
}

// DeliverToTopic sends the message to a broadcast topic.
func (t *FCMTransport) DeliverToTopic(ctx context.Context, topic string, msg *notify.Message) (string, error) {
	msgID, err := t.client.Send(ctx, t.buildMessage(msg, "", topic))
	if err != nil {
		// A topic has no per-token lifecycle; every failure is transient.
		return "", Transient(err)
	}
	return msgID, nil
}

func (t *FCMTransport) buildMessage(msg *notify.Message, token, topic string) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Topic: topic,
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
	}
}

// classify maps FCM errors onto the transport error classes. Unregistered or
// malformed tokens are permanent; everything else is presumed transient.
func (t *FCMTransport) classify(err error) error {
	if messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err) {
		return EndpointGone(err)
	}
	return Transient(err)
}
