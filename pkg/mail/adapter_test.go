package mail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/telekom/mail-courier/pkg/quota"
	"github.com/telekom/mail-courier/pkg/ratelimit"
	"github.com/telekom/mail-courier/pkg/system"
)

// fakeTransport returns errs in order, then succeeds. always, if set, is
// returned on every call.
type fakeTransport struct {
	name   string
	mu     sync.Mutex
	calls  int
	errs   []error
	always error
}

func (f *fakeTransport) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeTransport) SendOne(_ context.Context, msg *Message, _ Credentials) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.always != nil {
		return nil, f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &SendResult{ID: "id-" + msg.To, ThreadID: "thread-1"}, nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingUsage struct {
	mu       sync.Mutex
	attempts int
	units    map[string]int
}

func (r *recordingUsage) RecordAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
}

func (r *recordingUsage) RecordUsage(user string, units int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.units == nil {
		r.units = map[string]int{}
	}
	r.units[user] += units
}

func fastRetry(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

var (
	errServerDown = &ProviderError{Protocol: ProtocolHTTP, Code: 503, Status: "UNAVAILABLE", Message: "backend unavailable"}
	errBadRequest = &ProviderError{Protocol: ProtocolHTTP, Code: 400, Status: "INVALID_ARGUMENT", Message: "invalid raw", Reason: "invalidArgument"}
)

func TestAdapterSend_Success(t *testing.T) {
	tr := &fakeTransport{}
	usage := &recordingUsage{}
	a := NewAdapter(tr, usage, AdapterOptions{Retry: fastRetry(3)}, system.NewTestLogger())

	res, err := a.Send(context.Background(), testMessage(), "sender@example.com", Credentials{})
	require.NoError(t, err)
	assert.Equal(t, "id-recipient@example.com", res.ID)
	assert.Equal(t, "thread-1", res.ThreadID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.Units)
	assert.Equal(t, "fake", res.Transport)

	assert.Equal(t, 1, usage.attempts)
	assert.Equal(t, map[string]int{"sender@example.com": 1}, usage.units)
}

func TestAdapterSend_RetriesTransientErrors(t *testing.T) {
	tr := &fakeTransport{errs: []error{errServerDown, errServerDown}}
	usage := &recordingUsage{}
	a := NewAdapter(tr, usage, AdapterOptions{Retry: fastRetry(3)}, system.NewTestLogger())

	res, err := a.Send(context.Background(), testMessage(), "sender@example.com", Credentials{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, tr.Calls())
	assert.Equal(t, 3, usage.attempts, "every attempt is recorded")
	assert.Equal(t, 1, usage.units["sender@example.com"], "usage is charged once")
	assert.Equal(t, CircuitClosed, a.Breakers().State("sender@example.com"))
}

func TestAdapterSend_ExhaustsRetries(t *testing.T) {
	tr := &fakeTransport{always: errServerDown}
	usage := &recordingUsage{}
	a := NewAdapter(tr, usage, AdapterOptions{Retry: fastRetry(2)}, system.NewTestLogger())

	_, err := a.Send(context.Background(), testMessage(), "sender@example.com", Credentials{})
	require.Error(t, err)

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeProviderUnavailable, se.Code)
	assert.True(t, se.Retryable)
	assert.Equal(t, 3, se.Attempts)
	assert.Equal(t, 503, se.ProviderCode)
	assert.Equal(t, "UNAVAILABLE", se.Status)
	assert.Equal(t, 3, tr.Calls())
	assert.Empty(t, usage.units)

	status := a.BreakerStatus()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].ConsecutiveFailures, "one failed send is one breaker failure")
}

func TestAdapterSend_FatalErrorShortCircuits(t *testing.T) {
	tr := &fakeTransport{always: errBadRequest}
	a := NewAdapter(tr, nil, AdapterOptions{Retry: fastRetry(5)}, system.NewTestLogger())

	_, err := a.Send(context.Background(), testMessage(), "sender@example.com", Credentials{})

	se := AsSendError(err)
	assert.Equal(t, CodeInvalidMessage, se.Code)
	assert.False(t, se.Retryable)
	assert.Equal(t, "invalidArgument", se.Reason)
	assert.Equal(t, "invalid raw", se.Message)
	assert.Equal(t, 1, se.Attempts)
	assert.Equal(t, 1, tr.Calls())
	assert.ErrorIs(t, err, errBadRequest)
}

func TestAdapterSend_InvalidMessageSkipsTransport(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAdapter(tr, nil, AdapterOptions{}, system.NewTestLogger())

	msg := testMessage()
	msg.To = "not-an-address"
	_, err := a.Send(context.Background(), msg, "sender@example.com", Credentials{})

	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Zero(t, tr.Calls())
	assert.Empty(t, a.BreakerStatus())
}

func TestAdapterSend_BreakerTrips(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	tr := &fakeTransport{always: errBadRequest}
	a := NewAdapter(tr, nil, AdapterOptions{
		Breaker: BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute},
		Retry:   fastRetry(0),
		Clock:   clk,
	}, system.NewTestLogger())
	ctx := context.Background()
	id := "sender@example.com"

	for i := 0; i < 3; i++ {
		_, err := a.Send(ctx, testMessage(), id, Credentials{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, 3, tr.Calls())

	_, err := a.Send(ctx, testMessage(), id, Credentials{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	se := AsSendError(err)
	assert.Equal(t, CodeCircuitOpen, se.Code)
	assert.True(t, se.Retryable)
	assert.Equal(t, 3, tr.Calls(), "open breaker does not contact the transport")

	_, err = a.Send(ctx, testMessage(), "other@example.com", Credentials{})
	assert.NotErrorIs(t, err, ErrCircuitOpen, "breakers are per identity")

	clk.Step(time.Minute)
	tr.mu.Lock()
	tr.always = nil
	tr.mu.Unlock()

	_, err = a.Send(ctx, testMessage(), id, Credentials{})
	require.NoError(t, err, "probe after cooldown goes through")
	assert.Equal(t, CircuitClosed, a.Breakers().State(id))
}

func TestAdapterSend_FailedProbeReopens(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	tr := &fakeTransport{always: errServerDown}
	a := NewAdapter(tr, nil, AdapterOptions{
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second},
		Retry:   fastRetry(0),
		Clock:   clk,
	}, system.NewTestLogger())
	id := "sender@example.com"

	_, _ = a.Send(context.Background(), testMessage(), id, Credentials{})
	assert.Equal(t, CircuitOpen, a.Breakers().State(id))

	clk.Step(10 * time.Second)
	_, err := a.Send(context.Background(), testMessage(), id, Credentials{})
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, CircuitOpen, a.Breakers().State(id))

	clk.Step(5 * time.Second)
	_, err = a.Send(context.Background(), testMessage(), id, Credentials{})
	assert.ErrorIs(t, err, ErrCircuitOpen, "cooldown restarts after a failed probe")
	assert.Equal(t, 2, tr.Calls())
}

func TestAdapterSend_ContextCanceledDuringBackoff(t *testing.T) {
	tr := &fakeTransport{always: errServerDown}
	a := NewAdapter(tr, nil, AdapterOptions{
		Breaker: BreakerConfig{FailureThreshold: 1},
		Retry:   RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2},
	}, system.NewTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Send(ctx, testMessage(), "sender@example.com", Credentials{})
	se := AsSendError(err)
	assert.Equal(t, CodeTimeout, se.Code)
	assert.Equal(t, 1, tr.Calls())
	assert.Equal(t, CircuitClosed, a.Breakers().State("sender@example.com"), "caller cancellation is not a provider failure")
}

func TestAdapterSend_RecordsGovernorUsage(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	g := quota.NewGovernor(quota.Config{DailyLimit: 100, UserLimit: 50, RequestsPerSecond: 100}, clk, system.NewTestLogger())
	tr := &fakeTransport{errs: []error{errServerDown}}
	a := NewAdapter(tr, g, AdapterOptions{Retry: fastRetry(1), UnitsPerMessage: 5}, system.NewTestLogger())

	_, err := a.Send(context.Background(), testMessage(), "x@example.com", Credentials{})
	require.NoError(t, err)

	daily, user := g.Usage("x@example.com")
	assert.Equal(t, 5, daily)
	assert.Equal(t, 5, user)
	assert.Equal(t, 2, g.Stats().CurrentRate)
}

func TestAdapterSend_Pacer(t *testing.T) {
	pacer := ratelimit.New(ratelimit.Config{Rate: 0.001, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Hour})
	defer pacer.Stop()

	tr := &fakeTransport{}
	a := NewAdapter(tr, nil, AdapterOptions{Pacer: pacer}, system.NewTestLogger())

	_, err := a.Send(context.Background(), testMessage(), "paced@example.com", Credentials{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Send(ctx, testMessage(), "paced@example.com", Credentials{})
	require.Error(t, err)
	assert.Equal(t, 1, tr.Calls())
}

func TestAdapterResetBreaker(t *testing.T) {
	tr := &fakeTransport{always: errBadRequest}
	a := NewAdapter(tr, nil, AdapterOptions{Breaker: BreakerConfig{FailureThreshold: 1}, Retry: fastRetry(0)}, system.NewTestLogger())

	_, _ = a.Send(context.Background(), testMessage(), "id", Credentials{})
	require.Equal(t, CircuitOpen, a.Breakers().State("id"))

	assert.True(t, a.ResetBreaker("id"))
	assert.False(t, a.ResetBreaker("id"))
	assert.Equal(t, CircuitClosed, a.Breakers().State("id"))
	assert.Empty(t, a.BreakerStatus())
}

func TestAdapterUnits(t *testing.T) {
	a := NewAdapter(&fakeTransport{}, nil, AdapterOptions{UnitsPerMessage: 2, UnitBytes: 10}, system.NewTestLogger())
	msg := &Message{Subject: "0123456789", TextBody: "0123456789a"}
	assert.Equal(t, 6, a.Units(msg))
	assert.True(t, errors.Is(msg.Validate(), ErrInvalidMessage))
}
