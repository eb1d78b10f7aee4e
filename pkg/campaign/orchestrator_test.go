package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/mail"
	"github.com/telekom/mail-courier/pkg/notify"
	"github.com/telekom/mail-courier/pkg/quota"
	"github.com/telekom/mail-courier/pkg/system"
)

var retryBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeMailer fails recipients listed in fail and succeeds otherwise. onSend,
// when set, runs before each send outside the mailer lock.
type fakeMailer struct {
	mu     sync.Mutex
	fail   map[string]error
	sent   []string
	onSend func(msg *mail.Message)
}

func (m *fakeMailer) Send(_ context.Context, msg *mail.Message, _ string, _ mail.Credentials) (*mail.SendResult, error) {
	if m.onSend != nil {
		m.onSend(msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[msg.To]; ok {
		return nil, err
	}
	m.sent = append(m.sent, msg.To)
	return &mail.SendResult{ID: "id-" + msg.To, Attempts: 1}, nil
}

func (m *fakeMailer) RetryAfter(attempts int) time.Time {
	return retryBase.Add(time.Duration(attempts) * time.Second)
}

func (m *fakeMailer) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type allowAll struct{}

func (allowAll) Validate(string, int) quota.Decision {
	return quota.Decision{CanSend: true, QuotaRemaining: 1000}
}

// scriptedAdmission returns decisions in order and repeats the last one.
type scriptedAdmission struct {
	mu        sync.Mutex
	decisions []quota.Decision
	calls     int
}

func (s *scriptedAdmission) Validate(string, int) quota.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.decisions)-1)
	s.calls++
	return s.decisions[i]
}

func testDefaults() config.Campaign {
	return config.Campaign{BatchSize: 50, MaxConcurrentBatches: 2, SendConcurrency: 4}
}

func testTemplate() mail.Template {
	return mail.Template{
		Subject:     "Hello {{ .Name }}",
		TextBody:    `Hi {{ .Name }}, today: {{ .Vars.offer | default "nothing" }}`,
		FromAddress: "news@example.com",
		FromName:    "Newsletter",
	}
}

func recipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{Email: fmt.Sprintf("user%d@example.com", i+1), Name: fmt.Sprintf("User %d", i+1)}
	}
	return out
}

func newRequest(id string, n, batchSize int) *BulkSendRequest {
	return &BulkSendRequest{
		CampaignID:  id,
		Sender:      Sender{Identity: "news@example.com"},
		Template:    testTemplate(),
		Recipients:  recipients(n),
		SendOptions: &SendOptions{BatchSize: batchSize},
	}
}

func newTestOrchestrator(m Mailer, adm Admission) *Orchestrator {
	return NewOrchestrator(m, adm, Options{Defaults: testDefaults()}, system.NewTestLogger())
}

func assertAccounting(t *testing.T, st Status) {
	t.Helper()
	assert.Equal(t, st.Total, st.Sent+st.Failed+st.Pending, "sent+failed+pending must equal total: %+v", st)
}

func TestProcessBulkEmail_AllSucceed(t *testing.T) {
	m := &fakeMailer{}
	o := newTestOrchestrator(m, allowAll{})

	res, err := o.ProcessBulkEmail(context.Background(), newRequest("c-1", 10, 3))
	require.NoError(t, err)

	require.Len(t, res.Batches, 4)
	sizes := []int{}
	for i, b := range res.Batches {
		assert.Equal(t, i, b.Index)
		assert.Equal(t, b.Size, b.SuccessCount)
		sizes = append(sizes, b.Size)
	}
	assert.Equal(t, []int{3, 3, 3, 1}, sizes)

	assert.Equal(t, 10, res.Status.Sent)
	assert.Zero(t, res.Status.Failed)
	assert.Zero(t, res.Status.Pending)
	assert.Equal(t, StateCompleted, res.Status.State)
	assert.Equal(t, 4, res.Status.BatchesDone)
	require.NotNil(t, res.Status.CompletedAt)
	assert.InDelta(t, 100.0, res.CompletionPercentage, 0.001)
	assert.False(t, res.Cancelled)
	assert.Empty(t, res.Failures)
	assert.Len(t, m.Sent(), 10)

	st, err := o.GetCampaignStatus("c-1")
	require.NoError(t, err)
	assert.Equal(t, res.Status, st)
}

func TestProcessBulkEmail_PersonalizesMessages(t *testing.T) {
	var mu sync.Mutex
	got := map[string]*mail.Message{}
	m := &fakeMailer{onSend: func(msg *mail.Message) {
		mu.Lock()
		defer mu.Unlock()
		got[msg.To] = msg
	}}
	o := newTestOrchestrator(m, allowAll{})

	req := newRequest("c-personal", 2, 10)
	req.Recipients[0].Variables = map[string]any{"offer": "free shipping"}

	_, err := o.ProcessBulkEmail(context.Background(), req)
	require.NoError(t, err)

	first := got["user1@example.com"]
	require.NotNil(t, first)
	assert.Equal(t, "Hello User 1", first.Subject)
	assert.Equal(t, "Hi User 1, today: free shipping", first.TextBody)
	assert.Equal(t, "news@example.com", first.From)
	assert.Equal(t, "Newsletter", first.FromName)
	assert.Equal(t, "Hi User 2, today: nothing", got["user2@example.com"].TextBody)
}

func TestProcessBulkEmail_FatalRecipientFailure(t *testing.T) {
	m := &fakeMailer{fail: map[string]error{
		"user4@example.com": &mail.SendError{Code: mail.CodeInvalidRecipient, Message: "550 no such user", Attempts: 1},
		"user7@example.com": &mail.SendError{Code: mail.CodeProviderUnavailable, Message: "503 unavailable", Retryable: true, Attempts: 4},
	}}
	o := newTestOrchestrator(m, allowAll{})

	res, err := o.ProcessBulkEmail(context.Background(), newRequest("c-fatal", 10, 3))
	require.NoError(t, err)

	assert.Equal(t, 8, res.Status.Sent)
	assert.Equal(t, 2, res.Status.Failed)
	assert.Zero(t, res.Status.Pending)
	assert.Equal(t, StateCompleted, res.Status.State)
	assert.NotNil(t, res.Status.CompletedAt)
	assertAccounting(t, res.Status)

	byEmail := map[string]FailedEmail{}
	for _, f := range res.Failures {
		byEmail[f.Email] = f
	}

	fatal := byEmail["user4@example.com"]
	assert.Equal(t, mail.CodeInvalidRecipient, fatal.ErrorCode)
	assert.False(t, fatal.RetryScheduled)
	assert.Zero(t, fatal.RetryCount)
	assert.Nil(t, fatal.RetryAfter)

	transient := byEmail["user7@example.com"]
	assert.True(t, transient.RetryScheduled)
	assert.Equal(t, 3, transient.RetryCount)
	require.NotNil(t, transient.RetryAfter)
	assert.Equal(t, retryBase.Add(4*time.Second), *transient.RetryAfter)

	assert.Equal(t, []FailedEmail{transient}, res.RetryEligible())
}

func TestProcessBulkEmail_RetryFailedDisabled(t *testing.T) {
	m := &fakeMailer{fail: map[string]error{
		"user1@example.com": &mail.SendError{Code: mail.CodeTimeout, Retryable: true, Attempts: 2},
	}}
	o := newTestOrchestrator(m, allowAll{})

	req := newRequest("c-noretry", 2, 2)
	off := false
	req.SendOptions.RetryFailed = &off

	res, err := o.ProcessBulkEmail(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.False(t, res.Failures[0].RetryScheduled)
	assert.Equal(t, 1, res.Failures[0].RetryCount)
	assert.Nil(t, res.Failures[0].RetryAfter)
}

func TestProcessBulkEmail_AccountingInvariantUnderConcurrency(t *testing.T) {
	var o *Orchestrator
	var mu sync.Mutex
	var violations []Status

	m := &fakeMailer{
		fail: map[string]error{
			"user3@example.com":  errors.New("connection reset"),
			"user11@example.com": &mail.SendError{Code: mail.CodeRejected, Attempts: 1},
		},
		onSend: func(*mail.Message) {
			st, err := o.GetCampaignStatus("c-concurrent")
			if err != nil {
				return
			}
			if st.Sent+st.Failed+st.Pending != st.Total {
				mu.Lock()
				violations = append(violations, st)
				mu.Unlock()
			}
		},
	}
	o = newTestOrchestrator(m, allowAll{})

	req := newRequest("c-concurrent", 23, 4)
	req.SendOptions.MaxConcurrentBatches = 3
	req.SendOptions.SendConcurrency = 2

	res, err := o.ProcessBulkEmail(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, violations)
	assert.Equal(t, 21, res.Status.Sent)
	assert.Equal(t, 2, res.Status.Failed)
	assert.Zero(t, res.Status.Pending)
	assert.Len(t, res.Batches, 6)
	assert.Equal(t, 6, res.Status.BatchesDone)
}

func TestProcessBulkEmail_RejectedByQuota(t *testing.T) {
	gov := quota.NewGovernor(quota.Config{DailyLimit: 20, UserShare: 0.25, RequestsPerSecond: 100},
		testingclock.NewFakeClock(retryBase), system.NewTestLogger())
	m := &fakeMailer{}
	o := newTestOrchestrator(m, gov)

	res, err := o.ProcessBulkEmail(context.Background(), newRequest("c-big", 10, 5))
	require.NoError(t, err)

	assert.True(t, res.Rejected)
	require.NotNil(t, res.Admission)
	assert.False(t, res.Admission.CanSend)
	assert.Equal(t, quota.ReasonUserQuota, res.Admission.Reason)
	assert.Equal(t, StateRejected, res.Status.State)
	assert.Equal(t, 10, res.Status.Pending)
	assertAccounting(t, res.Status)
	assert.Empty(t, m.Sent())

	st, err := o.GetCampaignStatus("c-big")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, st.State)
}

func TestProcessBulkEmail_BatchQuotaRefusal(t *testing.T) {
	next := retryBase.Add(6 * time.Hour)
	adm := &scriptedAdmission{decisions: []quota.Decision{
		{CanSend: true},
		{CanSend: true},
		{CanSend: false, Reason: quota.ReasonDailyQuota, NextAvailableSlot: next},
	}}
	m := &fakeMailer{}
	o := NewOrchestrator(m, adm, Options{Defaults: config.Campaign{MaxConcurrentBatches: 1, SendConcurrency: 1}}, system.NewTestLogger())

	res, err := o.ProcessBulkEmail(context.Background(), newRequest("c-quota", 4, 2))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Status.Sent)
	assert.Equal(t, 2, res.Status.Failed)
	assert.Zero(t, res.Status.Pending)
	require.Len(t, res.Failures, 2)
	for _, f := range res.Failures {
		assert.Equal(t, mail.CodeQuotaExceeded, f.ErrorCode)
		assert.True(t, f.RetryScheduled)
		require.NotNil(t, f.RetryAfter)
		assert.Equal(t, next, *f.RetryAfter)
	}
	assert.Equal(t, []string{"user1@example.com", "user2@example.com"}, m.Sent())
}

func TestProcessBulkEmail_WaitsOutRateRefusal(t *testing.T) {
	adm := &scriptedAdmission{decisions: []quota.Decision{
		{CanSend: true},
		{CanSend: false, Reason: quota.ReasonRateLimited, EstimatedDelay: time.Millisecond},
		{CanSend: false, Reason: quota.ReasonRateLimited, EstimatedDelay: time.Millisecond},
		{CanSend: true},
	}}
	m := &fakeMailer{}
	o := newTestOrchestrator(m, adm)

	res, err := o.ProcessBulkEmail(context.Background(), newRequest("c-rate", 3, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Status.Sent)
	assert.Equal(t, 4, adm.calls)
}

func TestProcessBulkEmail_RateWaitsExhausted(t *testing.T) {
	adm := &scriptedAdmission{decisions: []quota.Decision{
		{CanSend: true},
		{CanSend: false, Reason: quota.ReasonRateLimited, EstimatedDelay: time.Millisecond},
	}}
	m := &fakeMailer{}
	o := NewOrchestrator(m, adm, Options{Defaults: testDefaults(), MaxRateWaits: 2}, system.NewTestLogger())

	res, err := o.ProcessBulkEmail(context.Background(), newRequest("c-rate-out", 2, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Status.Failed)
	for _, f := range res.Failures {
		assert.Equal(t, mail.CodeRateLimited, f.ErrorCode)
		assert.True(t, f.RetryScheduled)
	}
	assert.Empty(t, m.Sent())
}

func TestProcessBulkEmail_DelayBetweenBatchesAfterSlowBatch(t *testing.T) {
	clk := testingclock.NewFakeClock(retryBase)
	started := make(chan struct{})
	release := make(chan struct{})

	var (
		mu    sync.Mutex
		times []time.Time
	)
	m := &fakeMailer{onSend: func(msg *mail.Message) {
		mu.Lock()
		times = append(times, clk.Now())
		mu.Unlock()
		if msg.To == "user1@example.com" {
			close(started)
			<-release
		}
	}}
	o := NewOrchestrator(m, allowAll{}, Options{Defaults: testDefaults(), Clock: clk}, system.NewTestLogger())

	req := newRequest("c-paced", 3, 1)
	req.SendOptions.MaxConcurrentBatches = 1
	req.SendOptions.DelayBetweenBatches = &metav1.Duration{Duration: time.Minute}

	done := make(chan *BulkSendResult, 1)
	go func() {
		res, err := o.ProcessBulkEmail(context.Background(), req)
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	// the first batch holds the only slot well past the delay
	clk.Step(2 * time.Minute)
	close(release)

	// the second batch goes out at once, the third waits a full delay after it
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	assert.Len(t, m.Sent(), 2)
	clk.Step(30 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, m.Sent(), 2)
	clk.Step(30 * time.Second)

	var res *BulkSendResult
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("campaign did not finish")
	}
	assert.Equal(t, 3, res.Status.Sent)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3)
	assert.Equal(t, retryBase, times[0])
	assert.Equal(t, retryBase.Add(2*time.Minute), times[1])
	assert.Equal(t, retryBase.Add(3*time.Minute), times[2])
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), time.Minute)
}

func TestCancelCampaign_StopsFurtherBatches(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	m := &fakeMailer{onSend: func(*mail.Message) {
		once.Do(func() {
			close(started)
			<-release
		})
	}}
	o := NewOrchestrator(m, allowAll{}, Options{Defaults: config.Campaign{MaxConcurrentBatches: 1, SendConcurrency: 1}}, system.NewTestLogger())

	done := make(chan *BulkSendResult, 1)
	go func() {
		res, err := o.ProcessBulkEmail(context.Background(), newRequest("c-cancel", 5, 1))
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	require.NoError(t, o.CancelCampaign("c-cancel"))
	close(release)

	var res *BulkSendResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("campaign did not finish after cancellation")
	}

	assert.True(t, res.Cancelled)
	assert.Equal(t, StateCancelled, res.Status.State)
	assert.Equal(t, 1, res.Status.Sent)
	assert.Equal(t, 4, res.Status.Pending)
	assert.Nil(t, res.Status.CompletedAt)
	assert.NotNil(t, res.Status.EndedAt)
	assertAccounting(t, res.Status)
	assert.InDelta(t, 20.0, res.CompletionPercentage, 0.001)

	assert.ErrorIs(t, o.CancelCampaign("c-cancel"), ErrCampaignNotRunning)
}

func TestCancelCampaign_Unknown(t *testing.T) {
	o := newTestOrchestrator(&fakeMailer{}, allowAll{})
	assert.ErrorIs(t, o.CancelCampaign("missing"), ErrCampaignNotFound)

	_, err := o.GetCampaignStatus("missing")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestProcessBulkEmail_ContextCancelledLeavesPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	m := &fakeMailer{onSend: func(*mail.Message) { once.Do(cancel) }}
	o := NewOrchestrator(m, allowAll{}, Options{Defaults: config.Campaign{MaxConcurrentBatches: 1, SendConcurrency: 1}}, system.NewTestLogger())

	res, err := o.ProcessBulkEmail(ctx, newRequest("c-ctx", 4, 1))
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Status.Sent)
	assert.Equal(t, 3, res.Status.Pending)
	assertAccounting(t, res.Status)
}

func TestProcessBulkEmail_DuplicateRunningCampaign(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m := &fakeMailer{onSend: func(*mail.Message) {
		once.Do(func() {
			close(started)
			<-release
		})
	}}
	o := newTestOrchestrator(m, allowAll{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := o.ProcessBulkEmail(context.Background(), newRequest("c-dup", 1, 1))
		assert.NoError(t, err)
	}()
	<-started

	_, err := o.ProcessBulkEmail(context.Background(), newRequest("c-dup", 1, 1))
	assert.ErrorIs(t, err, ErrCampaignExists)

	close(release)
	<-done

	res, err := o.ProcessBulkEmail(context.Background(), newRequest("c-dup", 2, 1))
	require.NoError(t, err, "a finished campaign id can be reused")
	assert.Equal(t, 2, res.Status.Total)
}

func TestProcessBulkEmail_InvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *BulkSendRequest)
		want   string
	}{
		{name: "no recipients", mutate: func(r *BulkSendRequest) { r.Recipients = nil }, want: "Recipients"},
		{name: "zero batch size", mutate: func(r *BulkSendRequest) { r.SendOptions.BatchSize = 0 }, want: "batch_size"},
		{name: "negative batch size", mutate: func(r *BulkSendRequest) { r.SendOptions.BatchSize = -3 }, want: "batch_size"},
		{name: "negative delay", mutate: func(r *BulkSendRequest) {
			r.SendOptions.DelayBetweenBatches = &metav1.Duration{Duration: -time.Second}
		}, want: "delay_between_batches"},
		{name: "missing campaign id", mutate: func(r *BulkSendRequest) { r.CampaignID = "" }, want: "CampaignID"},
		{name: "missing sender", mutate: func(r *BulkSendRequest) { r.Sender.Identity = "" }, want: "Identity"},
		{name: "missing subject", mutate: func(r *BulkSendRequest) { r.Template.Subject = "" }, want: "Subject"},
		{name: "missing bodies", mutate: func(r *BulkSendRequest) { r.Template.TextBody = "" }, want: "TextBody"},
		{name: "recipient without email", mutate: func(r *BulkSendRequest) { r.Recipients[1].Email = "" }, want: "Email"},
		{name: "broken template", mutate: func(r *BulkSendRequest) { r.Template.Subject = "Hello {{ .Name" }, want: "subject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMailer{}
			o := newTestOrchestrator(m, allowAll{})
			req := newRequest("c-invalid", 3, 2)
			tt.mutate(req)

			res, err := o.ProcessBulkEmail(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.want)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.NotEmpty(t, verr.Problems)
			assert.Empty(t, m.Sent())
			assert.Empty(t, o.ListCampaigns())
		})
	}
}

func TestProcessBulkEmail_InvalidRecipientAddressIsolated(t *testing.T) {
	adapter := mail.NewAdapter(&okTransport{}, nil, mail.AdapterOptions{}, system.NewTestLogger())
	o := newTestOrchestrator(adapter, allowAll{})

	req := newRequest("c-addr", 3, 3)
	req.Recipients[1].Email = "not-an-address"

	res, err := o.ProcessBulkEmail(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Status.Sent)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "not-an-address", res.Failures[0].Email)
	assert.Equal(t, mail.CodeInvalidMessage, res.Failures[0].ErrorCode)
	assert.False(t, res.Failures[0].RetryScheduled)
}

// okTransport accepts every message.
type okTransport struct{}

func (okTransport) Name() string { return "ok" }

func (okTransport) SendOne(_ context.Context, msg *mail.Message, _ mail.Credentials) (*mail.SendResult, error) {
	return &mail.SendResult{ID: "id-" + msg.To}, nil
}

func TestProcessBulkEmail_RecordsGovernorUsageThroughAdapter(t *testing.T) {
	clk := testingclock.NewFakeClock(retryBase)
	gov := quota.NewGovernor(quota.Config{DailyLimit: 1000, UserShare: 0.5, RequestsPerSecond: 1000}, clk, system.NewTestLogger())
	adapter := mail.NewAdapter(&okTransport{}, gov, mail.AdapterOptions{Clock: clk}, system.NewTestLogger())
	o := NewOrchestrator(adapter, gov, Options{Defaults: testDefaults(), Clock: clk}, system.NewTestLogger())

	res, err := o.ProcessBulkEmail(context.Background(), newRequest("c-usage", 7, 3))
	require.NoError(t, err)
	assert.Equal(t, 7, res.Status.Sent)

	daily, perUser := gov.Usage("news@example.com")
	assert.Equal(t, 7, daily)
	assert.Equal(t, 7, perUser)
}

func TestListAndCleanupCompleted(t *testing.T) {
	clk := testingclock.NewFakeClock(retryBase)
	o := NewOrchestrator(&fakeMailer{}, allowAll{}, Options{Defaults: testDefaults(), Clock: clk}, system.NewTestLogger())

	_, err := o.ProcessBulkEmail(context.Background(), newRequest("c-old", 2, 2))
	require.NoError(t, err)
	clk.Step(2 * time.Hour)
	_, err = o.ProcessBulkEmail(context.Background(), newRequest("c-new", 2, 2))
	require.NoError(t, err)

	list := o.ListCampaigns()
	require.Len(t, list, 2)
	assert.Equal(t, "c-old", list[0].CampaignID)
	assert.Equal(t, "c-new", list[1].CampaignID)

	assert.Equal(t, 1, o.CleanupCompleted(time.Hour))
	_, err = o.GetCampaignStatus("c-old")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
	_, err = o.GetCampaignStatus("c-new")
	assert.NoError(t, err)

	assert.Zero(t, o.CleanupCompleted(time.Hour))
}

func TestStartCleanup(t *testing.T) {
	clk := testingclock.NewFakeClock(retryBase)
	o := NewOrchestrator(&fakeMailer{}, allowAll{}, Options{Defaults: testDefaults(), Clock: clk}, system.NewTestLogger())

	_, err := o.ProcessBulkEmail(context.Background(), newRequest("c-sweep", 1, 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		o.StartCleanup(ctx, time.Minute, 30*time.Second)
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Minute)
	assert.Eventually(t, func() bool { return len(o.ListCampaigns()) == 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

type capturingSink struct {
	mu    sync.Mutex
	notes []*notify.Notification
}

func (s *capturingSink) Write(_ context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return nil
}

func (s *capturingSink) Close() error { return nil }
func (s *capturingSink) Name() string { return "capture" }

func TestProcessBulkEmail_NotifiesCompletion(t *testing.T) {
	sink := &capturingSink{}
	n := notify.NewNotifier(sink, nil, system.NewTestLogger())
	m := &fakeMailer{fail: map[string]error{"user2@example.com": &mail.SendError{Code: mail.CodeRejected, Attempts: 1}}}
	o := NewOrchestrator(m, allowAll{}, Options{Defaults: testDefaults(), Notifier: n}, system.NewTestLogger())

	_, err := o.ProcessBulkEmail(context.Background(), newRequest("c-notify", 3, 3))
	require.NoError(t, err)

	require.Len(t, sink.notes, 1)
	note := sink.notes[0]
	assert.Equal(t, notify.TypeCampaignCompleted, note.Type)
	assert.Equal(t, notify.SeverityWarning, note.Severity)
	assert.Equal(t, "news@example.com", note.UserID)
	assert.Equal(t, "c-notify", note.Context["campaign_id"])
	assert.Equal(t, 2, note.Context["sent"])
	assert.Equal(t, 1, note.Context["failed"])
}
