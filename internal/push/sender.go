package push

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/notify"
)

// EndpointStore is the device surface the sender needs: list a recipient's
// active endpoints and deactivate dead ones.
type EndpointStore interface {
	GetActiveEndpoints(ctx context.Context, recipientID uuid.UUID) ([]*db.DeviceEndpoint, error)
	DeactivateEndpoint(ctx context.Context, endpointID uuid.UUID) error
}

// Config tunes the per-endpoint retry behaviour.
type Config struct {
	// MaxAttempts per endpoint for transient transport errors.
	MaxAttempts int
	// BaseBackoff is the first retry delay; it doubles per attempt with
	// jitter, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// BroadcastTopic is the topic used when the recipient is absent.
	BroadcastTopic string
}

// EndpointResult is the outcome of delivery to one endpoint.
type EndpointResult struct {
	EndpointID  uuid.UUID `json:"endpoint_id"`
	Success     bool      `json:"success"`
	MessageID   string    `json:"message_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	Deactivated bool      `json:"deactivated"`
}

// Result aggregates a delivery across all of a recipient's endpoints.
// Success means at least one endpoint received the message.
type Result struct {
	Success   bool             `json:"success"`
	MessageID string           `json:"message_id,omitempty"`
	Endpoints []EndpointResult `json:"endpoints,omitempty"`
}

// Sender resolves a recipient's devices and fans the message out to each,
// isolating per-endpoint failures. One endpoint's dead token never blocks
// another endpoint's delivery.
type Sender struct {
	endpoints EndpointStore
	transport Transport
	config    Config
	logger    *zap.Logger
}

// NewSender creates a delivery sender.
func NewSender(endpoints EndpointStore, transport Transport, cfg Config, logger *zap.Logger) *Sender {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.BroadcastTopic == "" {
		cfg.BroadcastTopic = "all-users"
	}

	return &Sender{
		endpoints: endpoints,
		transport: transport,
		config:    cfg,
		logger:    logger,
	}
}

// Send delivers the message to the recipient's active endpoints, or to the
// broadcast topic when recipientID is nil. The returned error carries the
// transient/permanent classification the queue processor retries on.
func (s *Sender) Send(ctx context.Context, recipientID *uuid.UUID, msg *notify.Message) (*Result, error) {
	if recipientID == nil {
		return s.sendBroadcast(ctx, msg)
	}

	endpoints, err := s.endpoints.GetActiveEndpoints(ctx, *recipientID)
	if err != nil {
		return nil, Transient(fmt.Errorf("resolve endpoints: %w", err))
	}
	if len(endpoints) == 0 {
		return &Result{}, ErrNoActiveEndpoints
	}

	result := &Result{Endpoints: make([]EndpointResult, 0, len(endpoints))}
	anyTransient := false

	for _, ep := range endpoints {
		epResult := s.deliverToEndpoint(ctx, ep, msg)
		result.Endpoints = append(result.Endpoints, epResult)

		if epResult.Success {
			result.Success = true
			if result.MessageID == "" {
				result.MessageID = epResult.MessageID
			}
		} else if !epResult.Deactivated {
			anyTransient = true
		}
	}

	if result.Success {
		return result, nil
	}

	err = fmt.Errorf("all %d endpoints failed: %s", len(result.Endpoints), summarize(result.Endpoints))
	if anyTransient {
		return result, Transient(err)
	}
	return result, err
}

func (s *Sender) deliverToEndpoint(ctx context.Context, ep *db.DeviceEndpoint, msg *notify.Message) EndpointResult {
	epResult := EndpointResult{EndpointID: ep.ID}

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		msgID, err := s.transport.DeliverToEndpoint(ctx, ep, msg)
		if err == nil {
			epResult.Success = true
			epResult.MessageID = msgID
			return epResult
		}
		lastErr = err

		if IsEndpointGone(err) {
			// Dead token: deactivate and stop. Other endpoints for the same
			// recipient are still attempted.
			if dErr := s.endpoints.DeactivateEndpoint(ctx, ep.ID); dErr != nil {
				s.logger.Error("failed to deactivate endpoint",
					zap.Error(dErr),
					zap.String("endpoint_id", ep.ID.String()),
				)
			}
			epResult.Deactivated = true
			break
		}

		if !IsTransient(err) || attempt == s.config.MaxAttempts {
			break
		}

		s.logger.Debug("transient delivery failure, backing off",
			zap.Error(err),
			zap.String("endpoint_id", ep.ID.String()),
			zap.String("token_preview", tokenPreview(ep.Token)),
			zap.Int("attempt", attempt),
		)
		if !sleepWithContext(ctx, s.backoff(attempt)) {
			break
		}
	}

	epResult.Error = lastErr.Error()
	s.logger.Warn("endpoint delivery failed",
		zap.String("endpoint_id", ep.ID.String()),
		zap.String("token_preview", tokenPreview(ep.Token)),
		zap.Bool("deactivated", epResult.Deactivated),
		zap.String("error", epResult.Error),
	)
	return epResult
}

func (s *Sender) sendBroadcast(ctx context.Context, msg *notify.Message) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		msgID, err := s.transport.DeliverToTopic(ctx, s.config.BroadcastTopic, msg)
		if err == nil {
			return &Result{Success: true, MessageID: msgID}, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == s.config.MaxAttempts {
			break
		}
		if !sleepWithContext(ctx, s.backoff(attempt)) {
			break
		}
	}

	return &Result{}, Transient(fmt.Errorf("topic delivery failed: %w", lastErr))
}

// backoff doubles per attempt with up to 50% jitter, capped at MaxBackoff.
func (s *Sender) backoff(attempt int) time.Duration {
	d := s.config.BaseBackoff << (attempt - 1)
	if d > s.config.MaxBackoff {
		d = s.config.MaxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// sleepWithContext waits for d and reports false if the context ended first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func summarize(results []EndpointResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s: %s", r.EndpointID, r.Error))
	}
	return strings.Join(parts, "; ")
}

func tokenPreview(token string) string {
	if len(token) > 12 {
		return token[:12] + "..."
	}
	return token
}
