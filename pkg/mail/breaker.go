// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/mail-courier/pkg/metrics"
)

// CircuitState represents the current state of an identity's breaker.
type CircuitState int32

const (
	// CircuitClosed indicates normal operation - sends flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the breaker is tripped - sends are rejected.
	CircuitOpen
	// CircuitHalfOpen indicates a single probe send is allowed.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-identity breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed sends before the
	// breaker opens. Default: 5
	FailureThreshold int
	// Cooldown is how long an open breaker waits, from the last failure,
	// before allowing a probe. Default: 1m
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	}
}

type breakerState struct {
	state               CircuitState
	consecutiveFailures int
	lastFailureAt       time.Time
	probeInFlight       bool
	lastError           string
}

// BreakerStatus is the inspectable state of one identity's breaker.
type BreakerStatus struct {
	Identity            string    `json:"identity"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	IsOpen              bool      `json:"is_open"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// BreakerRegistry holds one breaker per sending identity. Every transition is
// a read-modify-write under mu.
type BreakerRegistry struct {
	config BreakerConfig
	clock  clock.PassiveClock
	logger *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*breakerState
}

// NewBreakerRegistry creates an empty registry. A nil clock uses the wall clock.
func NewBreakerRegistry(cfg BreakerConfig, clk clock.PassiveClock, logger *zap.SugaredLogger) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &BreakerRegistry{
		config:   cfg,
		clock:    clk,
		logger:   logger.Named("breaker"),
		breakers: make(map[string]*breakerState),
	}
}

// Config returns the effective thresholds.
func (r *BreakerRegistry) Config() BreakerConfig {
	return r.config
}

func (r *BreakerRegistry) getLocked(identity string) *breakerState {
	b, ok := r.breakers[identity]
	if !ok {
		b = &breakerState{}
		r.breakers[identity] = b
	}
	return b
}

// Allow reports whether a send for identity may contact the provider. An open
// breaker whose cooldown has elapsed moves to half-open and admits exactly one
// probe; further callers are rejected until the probe resolves.
func (r *BreakerRegistry) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getLocked(identity)
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if r.clock.Since(b.lastFailureAt) < r.config.Cooldown {
			return false
		}
		r.transitionLocked(identity, b, CircuitHalfOpen)
		b.probeInFlight = true
		return true
	case CircuitHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (r *BreakerRegistry) RecordSuccess(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getLocked(identity)
	b.consecutiveFailures = 0
	b.probeInFlight = false
	r.transitionLocked(identity, b, CircuitClosed)
}

// RecordFailure counts one failed send. The breaker opens once the threshold
// is reached; a failed half-open probe reopens it with a fresh cooldown.
func (r *BreakerRegistry) RecordFailure(identity string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.getLocked(identity)
	b.consecutiveFailures++
	b.lastFailureAt = r.clock.Now()
	b.probeInFlight = false
	if err != nil {
		b.lastError = err.Error()
	}

	switch b.state {
	case CircuitClosed:
		if b.consecutiveFailures >= r.config.FailureThreshold {
			r.transitionLocked(identity, b, CircuitOpen)
		}
	case CircuitHalfOpen:
		r.transitionLocked(identity, b, CircuitOpen)
	}
}

// Release frees a half-open probe slot without recording an outcome, used
// when the caller abandoned the send.
func (r *BreakerRegistry) Release(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[identity]; ok {
		b.probeInFlight = false
	}
}

func (r *BreakerRegistry) transitionLocked(identity string, b *breakerState, to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	r.logger.Infow("Circuit breaker state changed",
		"identity", identity,
		"from", from.String(),
		"to", to.String(),
		"consecutiveFailures", b.consecutiveFailures)
	metrics.BreakerState.WithLabelValues(identity).Set(float64(to))
}

// State returns the current state for identity.
func (r *BreakerRegistry) State(identity string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[identity]; ok {
		return b.state
	}
	return CircuitClosed
}

// Status returns every known breaker ordered by identity.
func (r *BreakerRegistry) Status() []BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(r.breakers))
	for id, b := range r.breakers {
		out = append(out, BreakerStatus{
			Identity:            id,
			State:               b.state.String(),
			ConsecutiveFailures: b.consecutiveFailures,
			IsOpen:              b.state == CircuitOpen,
			LastFailureAt:       b.lastFailureAt,
			LastError:           b.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Reset forgets identity's breaker, returning false if none existed.
func (r *BreakerRegistry) Reset(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[identity]; !ok {
		return false
	}
	delete(r.breakers, identity)
	metrics.BreakerState.WithLabelValues(identity).Set(float64(CircuitClosed))
	r.logger.Infow("Circuit breaker reset", "identity", identity)
	return true
}
