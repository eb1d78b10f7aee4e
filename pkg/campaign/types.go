// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package campaign

import (
	"errors"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/telekom/mail-courier/pkg/mail"
	"github.com/telekom/mail-courier/pkg/quota"
)

var (
	// ErrInvalidRequest marks a structurally invalid bulk request.
	ErrInvalidRequest = errors.New("invalid bulk send request")
	// ErrCampaignExists is returned when a campaign id is still running.
	ErrCampaignExists = errors.New("campaign is already running")
	// ErrCampaignNotFound is returned for unknown campaign ids.
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrCampaignNotRunning is returned when cancelling a finished campaign.
	ErrCampaignNotRunning = errors.New("campaign is not running")
	// ErrNothingToRetry is returned by RetryRequest when no recipient is eligible.
	ErrNothingToRetry = errors.New("no retry-eligible recipients")
)

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return ErrInvalidRequest.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// Recipient is one addressee with its personalization variables.
type Recipient struct {
	Email     string         `json:"email" validate:"required"`
	Name      string         `json:"name,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Sender is the mailbox identity a campaign is sent from.
type Sender struct {
	Identity    string           `json:"identity" validate:"required"`
	Credentials mail.Credentials `json:"-"`
}

// SendOptions tune one campaign. Omitted options fall back to the
// orchestrator defaults; an explicit non-positive batch size is rejected.
type SendOptions struct {
	BatchSize            int              `json:"batch_size"`
	MaxConcurrentBatches int              `json:"max_concurrent_batches,omitempty"`
	DelayBetweenBatches  *metav1.Duration `json:"delay_between_batches,omitempty"`
	SendConcurrency      int              `json:"send_concurrency,omitempty"`
	RetryFailed          *bool            `json:"retry_failed,omitempty"`
}

// BulkSendRequest is a campaign submission.
type BulkSendRequest struct {
	CampaignID  string        `json:"campaign_id" validate:"required"`
	Sender      Sender        `json:"sender"`
	Template    mail.Template `json:"template"`
	Recipients  []Recipient   `json:"recipients" validate:"required,min=1,dive"`
	SendOptions *SendOptions  `json:"send_options,omitempty"`
}

// State of a campaign.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateRejected  State = "rejected"
)

// Status is the aggregate progress of a campaign.
type Status struct {
	CampaignID   string     `json:"campaign_id"`
	Identity     string     `json:"identity"`
	State        State      `json:"state"`
	Total        int        `json:"total"`
	Sent         int        `json:"sent"`
	Failed       int        `json:"failed"`
	Pending      int        `json:"pending"`
	BatchesTotal int        `json:"batches_total"`
	BatchesDone  int        `json:"batches_done"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	// EndedAt is set when processing stopped for any reason.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// FailedEmail reports one recipient that was not delivered.
type FailedEmail struct {
	Email          string     `json:"email"`
	Error          string     `json:"error"`
	ErrorCode      string     `json:"error_code"`
	RetryScheduled bool       `json:"retry_scheduled"`
	RetryCount     int        `json:"retry_count"`
	RetryAfter     *time.Time `json:"retry_after,omitempty"`
}

// BatchResult is the outcome of one batch.
type BatchResult struct {
	Index          int             `json:"index"`
	Size           int             `json:"size"`
	SuccessCount   int             `json:"success_count"`
	FailureCount   int             `json:"failure_count"`
	Failures       []FailedEmail   `json:"failures,omitempty"`
	ProcessingTime metav1.Duration `json:"processing_time"`
}

// BulkSendResult is returned by ProcessBulkEmail.
type BulkSendResult struct {
	CampaignID           string          `json:"campaign_id"`
	Status               Status          `json:"status"`
	Batches              []BatchResult   `json:"batches,omitempty"`
	Failures             []FailedEmail   `json:"failures,omitempty"`
	CompletionPercentage float64         `json:"completion_percentage"`
	TotalTime            metav1.Duration `json:"total_time"`
	AverageSendTime      metav1.Duration `json:"average_send_time"`
	Cancelled            bool            `json:"cancelled,omitempty"`
	// Rejected is set when the governor refused the campaign up front.
	Rejected  bool            `json:"rejected,omitempty"`
	Admission *quota.Decision `json:"admission,omitempty"`
}

// RetryEligible returns the failures flagged for a retry.
func (r *BulkSendResult) RetryEligible() []FailedEmail {
	var out []FailedEmail
	for _, f := range r.Failures {
		if f.RetryScheduled {
			out = append(out, f)
		}
	}
	return out
}
