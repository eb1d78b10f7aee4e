// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"crypto/tls"
	"net/smtp"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/telekom/mail-courier/pkg/config"
)

// SMTPTransport delivers messages through an SMTP relay with gomail.
type SMTPTransport struct {
	cfg    config.SMTP
	logger *zap.SugaredLogger
}

// NewSMTPTransport creates an SMTP transport for the configured relay.
func NewSMTPTransport(cfg config.SMTP, logger *zap.SugaredLogger) *SMTPTransport {
	logger.Infow("Initializing SMTP transport",
		"host", cfg.Host,
		"port", cfg.Port,
		"user", cfg.Username,
		"ssl", cfg.SSL)
	if cfg.InsecureSkipVerify {
		logger.Warn("InsecureSkipVerify is enabled for SMTP TLS connections")
	}
	return &SMTPTransport{cfg: cfg, logger: logger.Named("smtp")}
}

// Name implements Transport.
func (t *SMTPTransport) Name() string { return "smtp" }

// Host returns the relay host.
func (t *SMTPTransport) Host() string { return t.cfg.Host }

func (t *SMTPTransport) dialer(ctx context.Context, creds Credentials) (*gomail.Dialer, error) {
	user, pass := t.cfg.Username, t.cfg.Password
	if creds.Username != "" {
		user, pass = creds.Username, creds.Password
	}

	d := gomail.NewDialer(t.cfg.Host, t.cfg.Port, user, pass)
	d.SSL = t.cfg.SSL
	d.LocalName = t.cfg.LocalName
	if t.cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test relays
	}

	if creds.TokenSource != nil {
		token, err := creds.Token(ctx)
		if err != nil {
			return nil, err
		}
		d.Auth = &saslAuth{client: sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: user,
			Token:    token,
			Host:     t.cfg.Host,
			Port:     t.cfg.Port,
		})}
	}
	return d, nil
}

// SendOne implements Transport with a single dial and delivery.
func (t *SMTPTransport) SendOne(ctx context.Context, msg *Message, creds Credentials) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := t.dialer(ctx, creds)
	if err != nil {
		return nil, err
	}

	id := newMessageID(msg.From)
	m := buildMessage(msg, id)

	s, err := d.Dial()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			t.logger.Debugw("Failed to close SMTP connection", "error", cerr)
		}
	}()

	if err := gomail.Send(s, m); err != nil {
		return nil, err
	}
	return &SendResult{ID: id, ThreadID: msg.ThreadID}, nil
}

// newMessageID returns an RFC 5322 Message-ID in the sender's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// buildMessage assembles the MIME message; HTML is the preferred alternative.
func buildMessage(msg *Message, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From, msg.FromName)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		m.SetBody("text/plain", msg.TextBody)
		m.AddAlternative("text/html", msg.HTMLBody)
	case msg.HTMLBody != "":
		m.SetBody("text/html", msg.HTMLBody)
	default:
		m.SetBody("text/plain", msg.TextBody)
	}
	return m
}

// saslAuth adapts a SASL client to net/smtp.Auth for gomail.
type saslAuth struct {
	client sasl.Client
}

func (a *saslAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return a.client.Start()
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}
