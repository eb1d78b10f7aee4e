// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telekom/mail-courier/pkg/config"
)

// ErrConnectionClosed is returned when the server closed the connection.
var ErrConnectionClosed = errors.New("mailbox connection closed")

// EventKind identifies a server push.
type EventKind string

const (
	// EventNewMail carries the new message count of the mailbox (EXISTS).
	EventNewMail EventKind = "new_mail"
	// EventExpunge reports a removed message sequence number.
	EventExpunge EventKind = "expunge"
	// EventFlags reports flag changes.
	EventFlags EventKind = "flags"
)

// Event is one unsolicited server signal. Expunged is the running total of
// expunges the client has seen since it connected, so a consumer that missed
// an EventExpunge can still correct its count.
type Event struct {
	Kind     EventKind
	Count    uint32
	SeqNum   uint32
	Expunged uint64
}

// Envelope is the header summary of a message.
type Envelope struct {
	UID       uint32    `json:"uid"`
	MessageID string    `json:"message_id,omitempty"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	To        []string  `json:"to,omitempty"`
	Date      time.Time `json:"date"`
}

// MailboxClient is one connection to a mailbox server.
type MailboxClient interface {
	// Connect dials and authenticates.
	Connect(ctx context.Context) error
	// OpenMailbox selects a mailbox and returns its message count.
	OpenMailbox(ctx context.Context, name string) (uint32, error)
	// Events delivers server pushes for the connection's lifetime.
	Events() <-chan Event
	// Idle blocks until ctx is done, returning nil once the idle was
	// stopped cleanly, or returns an error when the connection failed.
	Idle(ctx context.Context) error
	// FetchRecent returns the envelopes of the last n messages.
	FetchRecent(ctx context.Context, n int) ([]Envelope, error)
	Disconnect() error
}

// ClientFactory creates an unconnected client for account.
type ClientFactory func(account config.Account) (MailboxClient, error)

// IngestResult is returned by an Ingestor.
type IngestResult struct {
	Processed int `json:"processed"`
}

// Ingestor processes newly arrived mail for an account.
type Ingestor interface {
	OnNewMail(ctx context.Context, account config.Account, client MailboxClient, newCount int) (IngestResult, error)
}

// IngestorFunc adapts a function to Ingestor.
type IngestorFunc func(ctx context.Context, account config.Account, client MailboxClient, newCount int) (IngestResult, error)

func (f IngestorFunc) OnNewMail(ctx context.Context, account config.Account, client MailboxClient, newCount int) (IngestResult, error) {
	return f(ctx, account, client, newCount)
}

// IngestionError wraps a failure while processing new mail. It never ends
// the listening session.
type IngestionError struct {
	AccountID string
	NewCount  int
	Err       error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingesting %d new messages for account %s: %v", e.NewCount, e.AccountID, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// ErrorNotifier receives permanent connection failures and ingestion errors.
// *notify.Notifier implements it.
type ErrorNotifier interface {
	NotifyError(ctx context.Context, userID, message string, fields map[string]any) error
}

// AccountSource supplies the accounts to monitor.
type AccountSource interface {
	GetActiveAccounts(ctx context.Context) ([]config.Account, error)
}

// State of a mailbox session.
type State string

const (
	StateConnecting   State = "connecting"
	StateIdling       State = "idling"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateGaveUp       State = "gave_up"
)

// SessionStatus is an operator snapshot of one session.
type SessionStatus struct {
	AccountID         string     `json:"account_id"`
	UserID            string     `json:"user_id,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	Mailbox           string     `json:"mailbox"`
	State             State      `json:"state"`
	ConnectedAt       *time.Time `json:"connected_at,omitempty"`
	LastActivity      *time.Time `json:"last_activity,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	MessageCount      uint32     `json:"message_count"`
	Ingested          int        `json:"ingested"`
	LastError         string     `json:"last_error,omitempty"`
}
