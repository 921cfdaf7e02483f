// Package circuitbreaker shields the push provider from failure cascades.
// After enough consecutive delivery failures the circuit opens and calls
// fail fast until a timed probe shows the provider is healthy again.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
//
//	Closed    -> Open      after MaxFailures consecutive failures
//	Open      -> HalfOpen  once RecoveryTimeout elapses
//	HalfOpen  -> Closed    when the probe succeeds
//	HalfOpen  -> Open      when the probe fails
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected without reaching the provider
	StateHalfOpen              // limited probes allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen marks a call rejected while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes one breaker instance.
type Config struct {
	Name                string        // provider label, e.g. "fcm" or "sns"
	MaxFailures         int           // consecutive failures that trip the circuit
	RecoveryTimeout     time.Duration // open dwell time before probing
	HalfOpenMaxRequests int           // probes admitted while half-open
}

// DefaultConfig returns the standard tuning for a provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker tracks consecutive failures against one provider and
// rejects calls while the provider is considered down.
type CircuitBreaker struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.RWMutex
	state       State
	consecutive int       // consecutive failures since the last success
	probes      int       // probes admitted in the current half-open phase
	lastFailure time.Time // when the provider last failed
	changedAt   time.Time // when the state last moved

	// lifetime counters, exposed via Stats
	requests  int64
	successes int64
	failures  int64
	rejected  int64
}

// New builds a breaker, filling in defaults for zero-valued tuning.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return &CircuitBreaker{
		cfg:       cfg,
		logger:    logger,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

// Allow reports whether a call may proceed. An open circuit whose recovery
// timeout has elapsed flips to half-open and admits this call as the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			cb.rejected++
			return false
		}
		cb.moveTo(StateHalfOpen)
		cb.probes = 1
		cb.logger.Info("circuit breaker allowing probe request",
			zap.String("name", cb.cfg.Name),
		)
		return true

	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			cb.rejected++
			return false
		}
		cb.probes++
		return true
	}

	return false
}

// RecordSuccess clears the failure streak. A success while half-open means
// the probe went through, so the circuit closes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.consecutive = 0

	if cb.state == StateHalfOpen {
		cb.moveTo(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered",
			zap.String("name", cb.cfg.Name),
		)
	}
}

// RecordFailure extends the failure streak. While closed the circuit trips
// at MaxFailures; a failed probe sends a half-open circuit straight back
// to open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.consecutive++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.consecutive >= cb.cfg.MaxFailures {
			cb.moveTo(StateOpen)
			cb.logger.Warn("circuit breaker opened, too many failures",
				zap.String("name", cb.cfg.Name),
				zap.Int("failures", cb.consecutive),
				zap.Int("threshold", cb.cfg.MaxFailures),
			)
		}

	case StateHalfOpen:
		cb.moveTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", cb.cfg.Name),
		)
	}
}

// GetState returns the current breaker position.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a point-in-time snapshot for the admin surface.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats snapshots the lifetime counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		FailureCount:    cb.consecutive,
		TotalRequests:   cb.requests,
		TotalFailures:   cb.failures,
		TotalSuccesses:  cb.successes,
		TotalRejected:   cb.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset forces the circuit closed. Operator override for when the provider
// is known healthy but the breaker has not probed yet.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.moveTo(StateClosed)
	cb.consecutive = 0
	cb.probes = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.cfg.Name),
	)
}

// moveTo changes state. Caller holds the lock.
func (cb *CircuitBreaker) moveTo(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.changedAt = time.Now()
	cb.probes = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.cfg.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.cfg.Name, cb.state, cb.consecutive, cb.cfg.MaxFailures)
}
