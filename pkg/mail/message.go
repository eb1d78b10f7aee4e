// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Message is one outbound email. MIME assembly happens in the transport.
type Message struct {
	From     string `json:"from" validate:"required,email"`
	FromName string `json:"from_name,omitempty"`
	To       string `json:"to" validate:"required,email"`
	ToName   string `json:"to_name,omitempty"`
	Subject  string `json:"subject" validate:"required"`
	HTMLBody string `json:"html_body,omitempty" validate:"required_without=TextBody"`
	TextBody string `json:"text_body,omitempty" validate:"required_without=HTMLBody"`
	// ThreadID groups the message into an existing provider thread.
	ThreadID string            `json:"thread_id,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Validate checks the message is addressable and has a body.
func (m *Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Size is the payload size used for quota unit estimation.
func (m *Message) Size() int {
	return len(m.Subject) + len(m.HTMLBody) + len(m.TextBody)
}

// ValidAddress reports whether addr is a syntactically valid email address.
func ValidAddress(addr string) bool {
	return validate.Var(addr, "required,email") == nil
}

// EstimateUnits returns the quota cost of a payload of size bytes:
// perMessage units for every started unitBytes block, at least perMessage.
func EstimateUnits(size, perMessage, unitBytes int) int {
	if perMessage <= 0 {
		perMessage = 1
	}
	if unitBytes <= 0 || size <= unitBytes {
		return perMessage
	}
	blocks := (size + unitBytes - 1) / unitBytes
	return blocks * perMessage
}

// Credentials authenticate a send for one identity. TokenSource takes
// precedence over Password when set.
type Credentials struct {
	Username    string
	Password    string
	TokenSource oauth2.TokenSource
}

// Token returns a bearer token from the token source.
func (c Credentials) Token(ctx context.Context) (string, error) {
	if c.TokenSource == nil {
		return "", fmt.Errorf("%w: no token source configured", ErrMissingCredentials)
	}
	tok, err := c.TokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain access token: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// SendResult is what the provider reports for an accepted message.
type SendResult struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Transport string          `json:"transport"`
	Attempts  int             `json:"attempts"`
	Units     int             `json:"units"`
}

// Transport delivers exactly one message to the provider without retrying.
type Transport interface {
	SendOne(ctx context.Context, msg *Message, creds Credentials) (*SendResult, error)
	Name() string
}
