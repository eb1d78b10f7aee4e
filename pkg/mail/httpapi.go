// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/version"
)

const sendPath = "/users/{userId}/messages/send"

type apiSendRequest struct {
	Raw      string `json:"raw"`
	ThreadID string `json:"threadId,omitempty"`
}

type apiSendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type apiErrorDetail struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int              `json:"code"`
		Status  string           `json:"status"`
		Message string           `json:"message"`
		Errors  []apiErrorDetail `json:"errors"`
	} `json:"error"`
}

// APITransport delivers raw MIME messages through a Gmail-style REST API.
// The bearer token comes from Credentials.TokenSource, falling back to the
// configured static token.
type APITransport struct {
	client *resty.Client
	token  string
	logger *zap.SugaredLogger
}

// NewAPITransport creates a REST transport. Resty's own retries stay
// disabled; the Adapter owns the retry policy.
func NewAPITransport(cfg config.ProviderAPI, logger *zap.SugaredLogger) *APITransport {
	logger.Infow("Initializing provider API transport", "baseURL", cfg.BaseURL, "timeout", cfg.Timeout.String())

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", version.UserAgent()).
		SetRetryCount(0)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	return &APITransport{
		client: client,
		token:  cfg.AccessToken,
		logger: logger.Named("api"),
	}
}

// Name implements Transport.
func (t *APITransport) Name() string { return "api" }

func (t *APITransport) bearer(ctx context.Context, creds Credentials) (string, error) {
	if creds.TokenSource != nil {
		return creds.Token(ctx)
	}
	if t.token != "" {
		return t.token, nil
	}
	return "", fmt.Errorf("%w: no API token for %s", ErrMissingCredentials, creds.Username)
}

// SendOne implements Transport.
func (t *APITransport) SendOne(ctx context.Context, msg *Message, creds Credentials) (*SendResult, error) {
	token, err := t.bearer(ctx, creds)
	if err != nil {
		return nil, err
	}

	var raw bytes.Buffer
	if _, err := buildMessage(msg, newMessageID(msg.From)).WriteTo(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	userID := "me"
	if creds.Username != "" {
		userID = creds.Username
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("userId", userID).
		SetBody(apiSendRequest{
			Raw:      base64.URLEncoding.EncodeToString(raw.Bytes()),
			ThreadID: msg.ThreadID,
		}).
		SetResult(&apiSendResponse{}).
		SetError(&apiErrorResponse{}).
		Post(sendPath)
	if err != nil {
		return nil, err
	}

	if resp.IsError() {
		return nil, providerErrorFrom(resp)
	}

	out, ok := resp.Result().(*apiSendResponse)
	if !ok || out.ID == "" {
		return nil, &ProviderError{
			Protocol: ProtocolHTTP,
			Code:     resp.StatusCode(),
			Message:  "provider response carried no message id",
		}
	}
	t.logger.Debugw("Provider accepted message", "id", out.ID, "threadId", out.ThreadID)
	return &SendResult{ID: out.ID, ThreadID: out.ThreadID, Raw: resp.Body()}, nil
}

func providerErrorFrom(resp *resty.Response) *ProviderError {
	pe := &ProviderError{
		Protocol: ProtocolHTTP,
		Code:     resp.StatusCode(),
		Status:   http.StatusText(resp.StatusCode()),
		Message:  resp.Status(),
	}
	body, ok := resp.Error().(*apiErrorResponse)
	if !ok || body == nil {
		return pe
	}
	if body.Error.Status != "" {
		pe.Status = body.Error.Status
	}
	if body.Error.Message != "" {
		pe.Message = body.Error.Message
	}
	if len(body.Error.Errors) > 0 {
		pe.Reason = body.Error.Errors[0].Reason
	}
	return pe
}
