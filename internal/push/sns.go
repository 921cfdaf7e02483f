package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/notify"
)

// SNSConfig configures the AWS SNS mobile-push transport. Device tokens are
// SNS platform endpoint ARNs; broadcasts publish to BroadcastTopicARN.
type SNSConfig struct {
	Region            string
	BroadcastTopicARN string
}

// SNSTransport delivers push messages through AWS SNS platform endpoints.
// Alternative to FCM, selected by configuration.
type SNSTransport struct {
	client *sns.Client
	config SNSConfig
	logger *zap.Logger
}

// NewSNSTransport creates an SNS transport.
func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config for sns: %w", err)
	}

	return &SNSTransport{
		client: sns.NewFromConfig(awsCfg),
		config: cfg,
		logger: logger,
	}, nil
}

// Name implements Transport.
func (t *SNSTransport) Name() string { return "sns" }

type snsPayload struct {
	Default string `json:"default"`
	GCM     string `json:"GCM,omitempty"`
	APNS    string `json:"APNS,omitempty"`
}

func encodeSNSMessage(msg *notify.Message) (string, error) {
	inner, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Title, "body": msg.Body},
		"data":         msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("encode push payload: %w", err)
	}

	apns, err := json.Marshal(map[string]any{
		"aps":  map[string]any{"alert": map[string]string{"title": msg.Title, "body": msg.Body}},
		"data": msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("encode apns payload: %w", err)
	}

	wrapped, err := json.Marshal(snsPayload{
		Default: msg.Body,
		GCM:     string(inner),
		APNS:    string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("encode sns envelope: %w", err)
	}
	return string(wrapped), nil
}

// DeliverToEndpoint publishes to the endpoint's platform ARN.
func (t *SNSTransport) DeliverToEndpoint(ctx context.Context, endpoint *db.DeviceEndpoint, msg *notify.Message) (string, error) {
	body, err := encodeSNSMessage(msg)
	if err != nil {
		return "", err
	}

	out, err := t.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(endpoint.Token),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return "", t.classify(err)
	}
	return aws.ToString(out.MessageId), nil
}

// DeliverToTopic publishes to the broadcast topic ARN.
func (t *SNSTransport) DeliverToTopic(ctx context.Context, topic string, msg *notify.Message) (string, error) {
	arn := t.config.BroadcastTopicARN
	if arn == "" {
		return "", fmt.Errorf("sns broadcast topic not configured (topic %q)", topic)
	}

	body, err := encodeSNSMessage(msg)
	if err != nil {
		return "", err
	}

	out, err := t.client.Publish(ctx, &sns.PublishInput{
		TopicArn:         aws.String(arn),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return "", Transient(err)
	}
	return aws.ToString(out.MessageId), nil
}

// classify maps SNS errors onto the transport error classes. A disabled or
// deleted platform endpoint is permanent; throttling and internal errors are
// transient.
func (t *SNSTransport) classify(err error) error {
	var disabled *types.EndpointDisabledException
	var notFound *types.NotFoundException
	if errors.As(err, &disabled) || errors.As(err, &notFound) {
		return EndpointGone(err)
	}
	var invalid *types.InvalidParameterException
	if errors.As(err, &invalid) {
		return EndpointGone(err)
	}
	return Transient(err)
}
