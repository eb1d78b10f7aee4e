// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package campaign

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/clock"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/mail"
	"github.com/telekom/mail-courier/pkg/metrics"
	"github.com/telekom/mail-courier/pkg/notify"
	"github.com/telekom/mail-courier/pkg/quota"
	"github.com/telekom/mail-courier/pkg/system"
)

// Mailer sends a single personalized message. *mail.Adapter implements it.
type Mailer interface {
	Send(ctx context.Context, msg *mail.Message, identity string, creds mail.Credentials) (*mail.SendResult, error)
	RetryAfter(attempts int) time.Time
}

// Admission is the governor check done before a campaign and each batch.
type Admission interface {
	Validate(user string, requiredUnits int) quota.Decision
}

// Options configures an Orchestrator.
type Options struct {
	Defaults        config.Campaign
	UnitsPerMessage int
	UnitBytes       int
	// MaxRateWaits bounds how often one batch re-checks after a rate refusal.
	MaxRateWaits int
	Clock        clock.Clock
	// Notifier, when set, receives a campaign.completed notification.
	Notifier *notify.Notifier
}

type record struct {
	status    Status
	cancelled bool
}

// Orchestrator runs campaigns and keeps their status in memory until cleanup.
type Orchestrator struct {
	mailer    Mailer
	admission Admission
	opts      Options
	clock     clock.Clock
	logger    *zap.SugaredLogger

	mu        sync.RWMutex
	campaigns map[string]*record
}

// NewOrchestrator creates an orchestrator sending through mailer and
// admitting batches through admission.
func NewOrchestrator(mailer Mailer, admission Admission, opts Options, logger *zap.SugaredLogger) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.UnitsPerMessage <= 0 {
		opts.UnitsPerMessage = 1
	}
	if opts.MaxRateWaits <= 0 {
		opts.MaxRateWaits = 60
	}
	return &Orchestrator{
		mailer:    mailer,
		admission: admission,
		opts:      opts,
		clock:     opts.Clock,
		logger:    logger.Named("campaign"),
		campaigns: make(map[string]*record),
	}
}

func (o *Orchestrator) units(t mail.Template, recipients int) int {
	return mail.EstimateUnits(t.Size(), o.opts.UnitsPerMessage, o.opts.UnitBytes) * recipients
}

// ProcessBulkEmail runs a campaign to completion or cancellation. Only a
// malformed request or a duplicate running campaign id returns an error; a
// quota refusal is reported as a rejected result.
func (o *Orchestrator) ProcessBulkEmail(ctx context.Context, req *BulkSendRequest) (*BulkSendResult, error) {
	tmpl, err := req.Validate()
	if err != nil {
		metrics.CampaignsRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	eff := resolveOptions(req.SendOptions, o.opts.Defaults)
	identity := req.Sender.Identity
	total := len(req.Recipients)
	batches := partition(req.Recipients, eff.batchSize)
	log := o.logger.With(system.CampaignFields(req.CampaignID, identity)...)

	now := o.clock.Now()
	status := Status{
		CampaignID:   req.CampaignID,
		Identity:     identity,
		State:        StateRunning,
		Total:        total,
		Pending:      total,
		BatchesTotal: len(batches),
		StartedAt:    now,
	}

	decision := o.admission.Validate(identity, o.units(req.Template, total))
	if !decision.CanSend && decision.Reason != quota.ReasonRateLimited {
		status.State = StateRejected
		status.EndedAt = &now
		if err := o.register(req.CampaignID, status); err != nil {
			return nil, err
		}
		metrics.CampaignsRejected.WithLabelValues(string(decision.Reason)).Inc()
		log.Warnw("Campaign rejected by quota governor",
			"recipients", total,
			"reason", decision.Reason,
			"quotaRemaining", decision.QuotaRemaining,
			"nextAvailableSlot", decision.NextAvailableSlot)
		return &BulkSendResult{
			CampaignID: req.CampaignID,
			Status:     status,
			Rejected:   true,
			Admission:  &decision,
		}, nil
	}

	if err := o.register(req.CampaignID, status); err != nil {
		return nil, err
	}
	metrics.CampaignsStarted.Inc()
	metrics.CampaignsActive.Inc()
	defer metrics.CampaignsActive.Dec()

	log.Infow("Starting campaign",
		"recipients", total,
		"batches", len(batches),
		"batchSize", eff.batchSize,
		"maxConcurrentBatches", eff.maxConcurrent,
		"delayBetweenBatches", eff.delay.String())

	results := o.dispatch(ctx, req, tmpl, batches, eff)
	return o.finish(ctx, req, results, now, log), nil
}

func (o *Orchestrator) register(id string, status Status) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.campaigns[id]; ok && existing.status.State == StateRunning {
		return fmt.Errorf("%w: %s", ErrCampaignExists, id)
	}
	o.campaigns[id] = &record{status: status}
	return nil
}

func (o *Orchestrator) isCancelled(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.campaigns[id]
	return !ok || rec.cancelled
}

// dispatch starts batches in order until all are dispatched, the campaign is
// cancelled or ctx ends. Batches that never ran are left nil. A batch takes
// its concurrency slot before waiting out the delay since the previous
// dispatch.
func (o *Orchestrator) dispatch(ctx context.Context, req *BulkSendRequest, tmpl *mail.CompiledTemplate, batches [][]Recipient, eff effectiveOptions) []*BatchResult {
	results := make([]*BatchResult, len(batches))
	slots := semaphore.NewWeighted(int64(eff.maxConcurrent))

	var (
		g    errgroup.Group
		last time.Time
	)
	for i, batch := range batches {
		if err := slots.Acquire(ctx, 1); err != nil {
			break
		}
		if i > 0 {
			if err := o.pace(ctx, last, eff.delay); err != nil {
				slots.Release(1)
				break
			}
		}
		if o.isCancelled(req.CampaignID) || ctx.Err() != nil {
			slots.Release(1)
			break
		}
		last = o.clock.Now()
		g.Go(func() error {
			defer slots.Release(1)
			results[i] = o.processBatch(ctx, req, tmpl, i, batch, eff)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// pace blocks until delay has passed since last.
func (o *Orchestrator) pace(ctx context.Context, last time.Time, delay time.Duration) error {
	wait := delay - o.clock.Since(last)
	if wait <= 0 {
		return nil
	}
	t := o.clock.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// admit asks the governor for a batch, waiting out rate refusals.
func (o *Orchestrator) admit(ctx context.Context, identity string, units int) (quota.Decision, error) {
	for waits := 0; ; waits++ {
		d := o.admission.Validate(identity, units)
		if d.CanSend || d.Reason != quota.ReasonRateLimited || waits >= o.opts.MaxRateWaits {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-o.clock.After(d.EstimatedDelay):
		}
	}
}

// processBatch sends one batch and applies its counters to the campaign once
// every recipient finished. It returns nil when the batch was abandoned
// before admission, leaving its recipients pending.
func (o *Orchestrator) processBatch(ctx context.Context, req *BulkSendRequest, tmpl *mail.CompiledTemplate, index int, batch []Recipient, eff effectiveOptions) *BatchResult {
	start := o.clock.Now()
	identity := req.Sender.Identity
	log := o.logger.With(system.CampaignFields(req.CampaignID, identity)...).With("batch", index)

	decision, err := o.admit(ctx, identity, o.units(req.Template, len(batch)))
	if err != nil {
		log.Infow("Batch abandoned while waiting for admission", "error", err)
		return nil
	}

	res := &BatchResult{Index: index, Size: len(batch)}
	failures := make([]*FailedEmail, len(batch))

	if !decision.CanSend {
		code := mail.CodeQuotaExceeded
		if decision.Reason == quota.ReasonRateLimited {
			code = mail.CodeRateLimited
		}
		log.Warnw("Batch refused by quota governor", "reason", decision.Reason, "recipients", len(batch))
		for i, r := range batch {
			fe := &FailedEmail{
				Email:          r.Email,
				Error:          fmt.Sprintf("admission refused: %s", decision.Reason),
				ErrorCode:      code,
				RetryScheduled: eff.retryFailed,
			}
			if fe.RetryScheduled {
				next := decision.NextAvailableSlot
				fe.RetryAfter = &next
			}
			failures[i] = fe
		}
	} else {
		var g errgroup.Group
		g.SetLimit(eff.sendConcurrency)
		for i, r := range batch {
			g.Go(func() error {
				failures[i] = o.sendOne(ctx, req, tmpl, r, eff.retryFailed)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, fe := range failures {
		if fe == nil {
			res.SuccessCount++
			continue
		}
		res.FailureCount++
		res.Failures = append(res.Failures, *fe)
	}
	elapsed := o.clock.Since(start)
	res.ProcessingTime = metav1.Duration{Duration: elapsed}

	o.apply(req.CampaignID, res)
	metrics.BatchDuration.Observe(elapsed.Seconds())
	metrics.CampaignRecipients.WithLabelValues("sent").Add(float64(res.SuccessCount))
	metrics.CampaignRecipients.WithLabelValues("failed").Add(float64(res.FailureCount))
	log.Debugw("Batch finished",
		"sent", res.SuccessCount,
		"failed", res.FailureCount,
		"duration", elapsed.String())
	return res
}

// sendOne personalizes and sends to r. It returns nil on success.
func (o *Orchestrator) sendOne(ctx context.Context, req *BulkSendRequest, tmpl *mail.CompiledTemplate, r Recipient, retryFailed bool) *FailedEmail {
	msg, err := tmpl.Render(r.Email, r.Name, r.Variables)
	if err != nil {
		return &FailedEmail{Email: r.Email, Error: err.Error(), ErrorCode: mail.CodeInvalidMessage}
	}

	if _, err := o.mailer.Send(ctx, msg, req.Sender.Identity, req.Sender.Credentials); err != nil {
		se := mail.AsSendError(err)
		fe := &FailedEmail{
			Email:     r.Email,
			Error:     se.Message,
			ErrorCode: se.Code,
			// caller cancellation says nothing about the recipient
			RetryScheduled: retryFailed && (se.Retryable || se.Code == mail.CodeCanceled),
			RetryCount:     max(se.Attempts-1, 0),
		}
		if fe.RetryScheduled {
			after := o.mailer.RetryAfter(se.Attempts)
			fe.RetryAfter = &after
		}
		return fe
	}
	return nil
}

// apply adds a finished batch to the campaign status.
func (o *Orchestrator) apply(id string, res *BatchResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.campaigns[id]
	if !ok {
		return
	}
	st := &rec.status
	st.Sent += res.SuccessCount
	st.Failed += res.FailureCount
	st.Pending -= res.SuccessCount + res.FailureCount
	st.BatchesDone++
	if st.Pending == 0 && st.CompletedAt == nil {
		now := o.clock.Now()
		st.CompletedAt = &now
	}
}

func (o *Orchestrator) finish(ctx context.Context, req *BulkSendRequest, results []*BatchResult, started time.Time, log *zap.SugaredLogger) *BulkSendResult {
	now := o.clock.Now()

	o.mu.Lock()
	rec := o.campaigns[req.CampaignID]
	st := &rec.status
	st.EndedAt = &now
	if st.Pending == 0 {
		st.State = StateCompleted
	} else {
		st.State = StateCancelled
	}
	status := *st
	o.mu.Unlock()

	out := &BulkSendResult{
		CampaignID: req.CampaignID,
		Status:     status,
		Cancelled:  status.State == StateCancelled,
		TotalTime:  metav1.Duration{Duration: now.Sub(started)},
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		out.Batches = append(out.Batches, *r)
		out.Failures = append(out.Failures, r.Failures...)
	}
	sort.Slice(out.Batches, func(i, j int) bool { return out.Batches[i].Index < out.Batches[j].Index })

	if processed := status.Sent + status.Failed; processed > 0 {
		out.CompletionPercentage = float64(processed) / float64(status.Total) * 100
		out.AverageSendTime = metav1.Duration{Duration: out.TotalTime.Duration / time.Duration(processed)}
	}

	metrics.CampaignsCompleted.WithLabelValues(string(status.State)).Inc()
	log.Infow("Campaign finished",
		"state", status.State,
		"sent", status.Sent,
		"failed", status.Failed,
		"pending", status.Pending,
		"duration", out.TotalTime.Duration.String())

	if o.opts.Notifier != nil {
		_ = o.opts.Notifier.Notify(context.WithoutCancel(ctx), notify.TypeCampaignCompleted, severityFor(status), status.Identity,
			fmt.Sprintf("Campaign %s %s: %d sent, %d failed", status.CampaignID, status.State, status.Sent, status.Failed),
			map[string]any{
				"campaign_id": status.CampaignID,
				"state":       string(status.State),
				"total":       status.Total,
				"sent":        status.Sent,
				"failed":      status.Failed,
				"pending":     status.Pending,
			})
	}
	return out
}

func severityFor(st Status) notify.Severity {
	switch {
	case st.State != StateCompleted:
		return notify.SeverityWarning
	case st.Failed > 0:
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}

// CancelCampaign stops further batch dispatches. Batches already running
// finish normally.
func (o *Orchestrator) CancelCampaign(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	if rec.status.State != StateRunning {
		return fmt.Errorf("%w: %s is %s", ErrCampaignNotRunning, id, rec.status.State)
	}
	rec.cancelled = true
	o.logger.Infow("Campaign cancellation requested", "campaign", id)
	return nil
}

// GetCampaignStatus returns a snapshot of one campaign.
func (o *Orchestrator) GetCampaignStatus(id string) (Status, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.campaigns[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	return rec.status, nil
}

// ListCampaigns returns every retained campaign, oldest first.
func (o *Orchestrator) ListCampaigns() []Status {
	o.mu.RLock()
	out := make([]Status, 0, len(o.campaigns))
	for _, rec := range o.campaigns {
		out = append(out, rec.status)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CampaignID < out[j].CampaignID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CleanupCompleted evicts finished campaigns that ended more than maxAge ago
// and returns how many were removed. Running campaigns are never evicted.
func (o *Orchestrator) CleanupCompleted(maxAge time.Duration) int {
	cutoff := o.clock.Now().Add(-maxAge)

	o.mu.Lock()
	removed := 0
	for id, rec := range o.campaigns {
		st := rec.status
		if st.State == StateRunning || st.EndedAt == nil {
			continue
		}
		if st.EndedAt.Before(cutoff) {
			delete(o.campaigns, id)
			removed++
		}
	}
	o.mu.Unlock()

	if removed > 0 {
		o.logger.Infow("Evicted finished campaigns", "removed", removed, "maxAge", maxAge.String())
	}
	return removed
}

// StartCleanup runs CleanupCompleted every interval until ctx is cancelled.
func (o *Orchestrator) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	timer := o.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Campaign cleanup stopped")
			return
		case <-timer.C():
			o.CleanupCompleted(maxAge)
			timer.Reset(interval)
		}
	}
}
