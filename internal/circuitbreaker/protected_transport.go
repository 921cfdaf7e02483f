package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/notify"
	"github.com/umarqureshi/fajr/internal/push"
)

// ProtectedTransport wraps a push.Transport with circuit breaker protection.
// When the breaker is open, deliveries fail fast with ErrCircuitOpen instead
// of hammering a degraded provider. The rejection is reported as transient so
// rows go back to the retry path and drain once the provider recovers.
type ProtectedTransport struct {
	transport push.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps the given transport with a circuit breaker.
func NewProtectedTransport(transport push.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

// DeliverToEndpoint delivers through the underlying transport if the circuit
// allows it.
func (p *ProtectedTransport) DeliverToEndpoint(ctx context.Context, endpoint *db.DeviceEndpoint, msg *notify.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("delivery rejected by circuit breaker",
			zap.String("transport", p.transport.Name()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", push.Transient(fmt.Errorf("%s: %w", p.transport.Name(), ErrCircuitOpen))
	}

	id, err := p.transport.DeliverToEndpoint(ctx, endpoint, msg)
	p.record(err)
	return id, err
}

// DeliverToTopic publishes through the underlying transport if the circuit
// allows it.
func (p *ProtectedTransport) DeliverToTopic(ctx context.Context, topic string, msg *notify.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("broadcast rejected by circuit breaker",
			zap.String("transport", p.transport.Name()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", push.Transient(fmt.Errorf("%s: %w", p.transport.Name(), ErrCircuitOpen))
	}

	id, err := p.transport.DeliverToTopic(ctx, topic, msg)
	p.record(err)
	return id, err
}

// Name returns the underlying transport name.
func (p *ProtectedTransport) Name() string {
	return p.transport.Name()
}

// Breaker exposes the underlying circuit breaker for stats endpoints.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}

// record feeds the delivery outcome to the breaker. Dead-token errors are a
// property of the endpoint, not the provider, so they count as success for
// breaker purposes.
func (p *ProtectedTransport) record(err error) {
	if err == nil || push.IsEndpointGone(err) {
		p.breaker.RecordSuccess()
		return
	}
	p.breaker.RecordFailure()
}
