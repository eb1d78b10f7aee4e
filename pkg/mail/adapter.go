// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/mail-courier/pkg/metrics"
	"github.com/telekom/mail-courier/pkg/ratelimit"
)

// UsageRecorder is the slice of the quota governor the adapter reports to.
type UsageRecorder interface {
	RecordAttempt()
	RecordUsage(user string, units int)
}

// AdapterOptions configures an Adapter. Zero values fall back to defaults.
type AdapterOptions struct {
	Breaker BreakerConfig
	Retry   RetryPolicy
	// Pacer, when set, paces attempts per identity.
	Pacer           *ratelimit.KeyedLimiter
	UnitsPerMessage int
	UnitBytes       int
	Clock           clock.Clock
}

// Adapter sends one message at a time for an identity, guarded by that
// identity's circuit breaker and retried with exponential backoff.
type Adapter struct {
	transport Transport
	usage     UsageRecorder
	breakers  *BreakerRegistry
	policy    RetryPolicy
	pacer     *ratelimit.KeyedLimiter
	perMsg    int
	unitBytes int
	clock     clock.Clock
	logger    *zap.SugaredLogger
}

// NewAdapter wraps transport. usage may be nil when no governor is wired.
func NewAdapter(transport Transport, usage UsageRecorder, opts AdapterOptions, logger *zap.SugaredLogger) *Adapter {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.UnitsPerMessage <= 0 {
		opts.UnitsPerMessage = 1
	}
	policy := opts.Retry.withDefaults()

	logger.Infow("Initializing send adapter",
		"transport", transport.Name(),
		"maxRetries", policy.MaxRetries,
		"baseDelay", policy.BaseDelay.String(),
		"maxDelay", policy.MaxDelay.String())

	return &Adapter{
		transport: transport,
		usage:     usage,
		breakers:  NewBreakerRegistry(opts.Breaker, opts.Clock, logger),
		policy:    policy,
		pacer:     opts.Pacer,
		perMsg:    opts.UnitsPerMessage,
		unitBytes: opts.UnitBytes,
		clock:     opts.Clock,
		logger:    logger.Named("adapter"),
	}
}

// Policy returns the effective retry policy.
func (a *Adapter) Policy() RetryPolicy {
	return a.policy
}

// Units returns the quota cost of msg.
func (a *Adapter) Units(msg *Message) int {
	return EstimateUnits(msg.Size(), a.perMsg, a.unitBytes)
}

// Send delivers msg on behalf of identity. It returns a *SendError when the
// breaker is open, the error is fatal, or retries are exhausted.
func (a *Adapter) Send(ctx context.Context, msg *Message, identity string, creds Credentials) (*SendResult, error) {
	log := a.logger.With("identity", identity, "to", msg.To, "transport", a.transport.Name())

	if err := msg.Validate(); err != nil {
		metrics.SendFailure.WithLabelValues(a.transport.Name(), CodeInvalidMessage).Inc()
		return nil, &SendError{Code: CodeInvalidMessage, Message: err.Error(), Err: err}
	}

	if !a.breakers.Allow(identity) {
		metrics.BreakerRejections.WithLabelValues(identity).Inc()
		log.Debugw("Send rejected by open circuit breaker")
		return nil, &SendError{
			Code:      CodeCircuitOpen,
			Message:   fmt.Sprintf("circuit breaker open for %s", identity),
			Retryable: true,
			Err:       ErrCircuitOpen,
		}
	}

	units := a.Units(msg)
	var lastErr *SendError

	for attempt := 0; attempt <= a.policy.MaxRetries; attempt++ {
		if a.pacer != nil {
			if err := a.pacer.Wait(ctx, identity); err != nil {
				return nil, a.abandon(identity, attempt, err)
			}
		}
		if a.usage != nil {
			a.usage.RecordAttempt()
		}

		start := a.clock.Now()
		res, err := a.transport.SendOne(ctx, msg, creds)
		metrics.SendDuration.WithLabelValues(a.transport.Name()).Observe(a.clock.Since(start).Seconds())

		if err == nil {
			a.breakers.RecordSuccess(identity)
			if a.usage != nil {
				a.usage.RecordUsage(identity, units)
			}
			if res == nil {
				res = &SendResult{}
			}
			res.Transport = a.transport.Name()
			res.Attempts = attempt + 1
			res.Units = units
			metrics.SendSuccess.WithLabelValues(a.transport.Name()).Inc()
			log.Debugw("Message sent", "id", res.ID, "attempts", res.Attempts)
			return res, nil
		}

		lastErr = Classify(err)
		lastErr.Attempts = attempt + 1

		if ctx.Err() != nil {
			return nil, a.abandon(identity, attempt+1, ctx.Err())
		}
		if !lastErr.Retryable {
			log.Warnw("Send failed with fatal error", "code", lastErr.Code, "error", lastErr.Message)
			break
		}
		if attempt == a.policy.MaxRetries {
			break
		}

		delay := a.policy.Delay(attempt)
		metrics.SendRetries.WithLabelValues(a.transport.Name()).Inc()
		log.Infow("Send attempt failed, retrying",
			"attempt", attempt+1,
			"code", lastErr.Code,
			"error", lastErr.Message,
			"delay", delay.String())

		select {
		case <-ctx.Done():
			return nil, a.abandon(identity, attempt+1, ctx.Err())
		case <-a.clock.After(delay):
		}
	}

	a.breakers.RecordFailure(identity, lastErr)
	metrics.SendFailure.WithLabelValues(a.transport.Name(), lastErr.Code).Inc()
	if lastErr.Retryable {
		log.Warnw("Send failed after retries", "attempts", lastErr.Attempts, "code", lastErr.Code, "error", lastErr.Message)
	}
	return nil, lastErr
}

// abandon releases a probe slot without penalising the identity for a
// caller-side cancellation.
func (a *Adapter) abandon(identity string, attempts int, err error) *SendError {
	a.breakers.Release(identity)
	code := CodeCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	metrics.SendFailure.WithLabelValues(a.transport.Name(), code).Inc()
	return &SendError{
		Code:      code,
		Message:   err.Error(),
		Retryable: code == CodeTimeout,
		Attempts:  attempts,
		Err:       err,
	}
}

// RetryAfter returns when a failed recipient could be retried: the backoff
// delay following the attempts already made, measured from now.
func (a *Adapter) RetryAfter(attempts int) time.Time {
	return a.clock.Now().Add(a.policy.Delay(attempts))
}

// BreakerStatus returns every identity's breaker state.
func (a *Adapter) BreakerStatus() []BreakerStatus {
	return a.breakers.Status()
}

// ResetBreaker clears identity's breaker.
func (a *Adapter) ResetBreaker(identity string) bool {
	return a.breakers.Reset(identity)
}

// Breakers exposes the registry for inspection.
func (a *Adapter) Breakers() *BreakerRegistry {
	return a.breakers
}
