// Package push delivers rendered messages to device endpoints, fanning out
// across a recipient's devices with per-endpoint retry and failure isolation.
package push

import (
	"context"
	"errors"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/notify"
)

// Transport is the provider boundary: one call per endpoint or topic.
// Implementations classify failures as transient or permanently-invalid
// endpoint via Transient and EndpointGone.
type Transport interface {
	// DeliverToEndpoint pushes the message to one device and returns the
	// provider's message ID.
	DeliverToEndpoint(ctx context.Context, endpoint *db.DeviceEndpoint, msg *notify.Message) (string, error)

	// DeliverToTopic pushes the message to a broadcast topic.
	DeliverToTopic(ctx context.Context, topic string, msg *notify.Message) (string, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// ErrNoActiveEndpoints is returned when the recipient has no device to
// deliver to. Not retryable: nothing will change until a device registers.
var ErrNoActiveEndpoints = errors.New("no active endpoint")

type errorClass int

const (
	classTransient errorClass = iota
	classEndpointGone
)

type classifiedError struct {
	class errorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks an error as retryable (timeout, 5xx, throttling).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: classTransient, err: err}
}

// EndpointGone marks an error as a permanently invalid endpoint
// (unregistered or expired token). The endpoint is deactivated and never
// retried.
func EndpointGone(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: classEndpointGone, err: err}
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce) && ce.class == classTransient
}

// IsEndpointGone reports whether the error marks a dead endpoint.
func IsEndpointGone(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce) && ce.class == classEndpointGone
}
