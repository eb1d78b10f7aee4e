// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"syscall"
)

var (
	// ErrCircuitOpen is returned when an identity's breaker rejects a send.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrInvalidMessage marks a message rejected before contacting the provider.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrMissingCredentials is returned when a transport cannot authenticate.
	ErrMissingCredentials = errors.New("missing credentials")
)

// Error codes carried by SendError.
const (
	CodeRateLimited         = "RATE_LIMITED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeTemporaryFailure    = "TEMPORARY_FAILURE"
	CodeNetwork             = "NETWORK_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeAuth                = "AUTH_FAILED"
	CodePermission          = "PERMISSION_DENIED"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeInvalidRecipient    = "INVALID_RECIPIENT"
	CodeMessageTooLarge     = "MESSAGE_TOO_LARGE"
	CodeNotFound            = "NOT_FOUND"
	CodeRejected            = "REJECTED"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeCanceled            = "CANCELED"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeUnknown             = "UNKNOWN"
)

// Provider protocols reported in ProviderError.
const (
	ProtocolHTTP = "http"
	ProtocolSMTP = "smtp"
)

// ProviderError is the raw failure reported by a transport.
type ProviderError struct {
	Protocol string
	// Code is the HTTP status or SMTP reply code.
	Code int
	// Status is the provider's symbolic status, e.g. RESOURCE_EXHAUSTED.
	Status  string
	Message string
	Reason  string
	// RetryableHint overrides classification when the provider is explicit.
	RetryableHint *bool
	Err           error
}

func (e *ProviderError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %d %s: %s (%s)", e.Protocol, e.Code, e.Status, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s %d %s: %s", e.Protocol, e.Code, e.Status, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SendError is the terminal error returned by Adapter.Send.
type SendError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Status  string `json:"status,omitempty"`
	// ProviderCode is the provider's HTTP status or SMTP reply code, if any.
	ProviderCode int   `json:"provider_code,omitempty"`
	Retryable    bool  `json:"retryable"`
	Attempts     int   `json:"attempts"`
	Err          error `json:"-"`
}

func (e *SendError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *SendError) Unwrap() error { return e.Err }

// AsSendError classifies any error into a SendError.
func AsSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return Classify(err)
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return AsSendError(err).Retryable
}

var replyCodePattern = regexp.MustCompile(`\b([245][0-9]{2})[ -]`)

// Classify maps a transport error to a SendError code and retryability.
// Rate limits, transient network failures and 5xx responses are retryable;
// authentication, permission and malformed-message failures are fatal.
// Unknown errors are treated as transient.
func Classify(err error) *SendError {
	if err == nil {
		return nil
	}
	se := &SendError{Message: err.Error(), Err: err}

	var pe *ProviderError
	var tpe *textproto.Error
	var netErr net.Error

	switch {
	case errors.As(err, &pe):
		classifyProvider(se, pe)
	case errors.As(err, &tpe):
		pe = &ProviderError{Protocol: ProtocolSMTP, Code: tpe.Code, Message: tpe.Msg, Err: err}
		classifyProvider(se, pe)
	case errors.Is(err, ErrCircuitOpen):
		se.Code, se.Retryable = CodeCircuitOpen, true
	case errors.Is(err, ErrInvalidMessage):
		se.Code, se.Retryable = CodeInvalidMessage, false
	case errors.Is(err, ErrMissingCredentials):
		se.Code, se.Retryable = CodeAuth, false
	case errors.Is(err, context.Canceled):
		se.Code, se.Retryable = CodeCanceled, false
	case errors.Is(err, context.DeadlineExceeded):
		se.Code, se.Retryable = CodeTimeout, true
	case errors.As(err, &netErr) && netErr.Timeout():
		se.Code, se.Retryable = CodeTimeout, true
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		se.Code, se.Retryable = CodeNetwork, true
	default:
		// gomail flattens SMTP replies into strings
		if m := replyCodePattern.FindStringSubmatch(err.Error()); m != nil {
			code, _ := strconv.Atoi(m[1])
			classifyProvider(se, &ProviderError{Protocol: ProtocolSMTP, Code: code, Message: err.Error()})
			break
		}
		se.Code, se.Retryable = CodeUnknown, true
	}
	return se
}

func classifyProvider(se *SendError, pe *ProviderError) {
	se.ProviderCode = pe.Code
	se.Status = pe.Status
	se.Reason = pe.Reason
	if pe.Message != "" {
		se.Message = pe.Message
	}

	if pe.Protocol == ProtocolSMTP {
		se.Code, se.Retryable = smtpCode(pe.Code)
	} else {
		se.Code, se.Retryable = httpCode(pe.Code, pe.Reason)
	}
	if pe.RetryableHint != nil {
		se.Retryable = *pe.RetryableHint
	}
}

// rateLimitReasons are 403 reasons some REST providers use for throttling.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

func httpCode(status int, reason string) (string, bool) {
	switch {
	case status == 429:
		return CodeRateLimited, true
	case status == 403 && rateLimitReasons[reason]:
		return CodeRateLimited, true
	case status == 408:
		return CodeTimeout, true
	case status >= 500 && status <= 599:
		return CodeProviderUnavailable, true
	case status == 400, status == 422:
		return CodeInvalidMessage, false
	case status == 401:
		return CodeAuth, false
	case status == 403:
		return CodePermission, false
	case status == 404:
		return CodeNotFound, false
	case status == 413:
		return CodeMessageTooLarge, false
	case status >= 400 && status <= 499:
		return CodeRejected, false
	default:
		return CodeUnknown, true
	}
}

func smtpCode(code int) (string, bool) {
	switch {
	case code == 421:
		return CodeProviderUnavailable, true
	case code == 450, code == 451, code == 452:
		return CodeRateLimited, true
	case code >= 400 && code <= 499:
		return CodeTemporaryFailure, true
	case code == 530, code == 534, code == 535:
		return CodeAuth, false
	case code == 550, code == 551, code == 553:
		return CodeInvalidRecipient, false
	case code == 552:
		return CodeMessageTooLarge, false
	case code == 554:
		return CodeRejected, false
	case code >= 500 && code <= 599:
		return CodeInvalidMessage, false
	default:
		return CodeUnknown, true
	}
}
