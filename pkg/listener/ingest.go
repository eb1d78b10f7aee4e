// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package listener

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/notify"
)

// Publisher is the notification side of EnvelopeIngestor.
type Publisher interface {
	Notify(ctx context.Context, typ notify.Type, severity notify.Severity, userID, message string, fields map[string]any) error
}

// EnvelopeIngestor fetches the envelopes of new messages and publishes one
// mail.received notification per message.
type EnvelopeIngestor struct {
	publisher Publisher
	limit     int
	logger    *zap.SugaredLogger
}

// NewEnvelopeIngestor creates an ingestor fetching at most limit envelopes
// per signal.
func NewEnvelopeIngestor(publisher Publisher, limit int, logger *zap.SugaredLogger) *EnvelopeIngestor {
	if limit <= 0 {
		limit = 50
	}
	return &EnvelopeIngestor{publisher: publisher, limit: limit, logger: logger.Named("ingest")}
}

func (i *EnvelopeIngestor) OnNewMail(ctx context.Context, account config.Account, client MailboxClient, newCount int) (IngestResult, error) {
	n := min(newCount, i.limit)
	envelopes, err := client.FetchRecent(ctx, n)
	if err != nil {
		return IngestResult{}, fmt.Errorf("fetching new envelopes: %w", err)
	}

	var errs []error
	res := IngestResult{}
	for _, env := range envelopes {
		err := i.publisher.Notify(ctx, notify.TypeMailReceived, notify.SeverityInfo, account.UserID,
			fmt.Sprintf("New mail from %s: %s", env.From, env.Subject),
			map[string]any{
				"account_id": account.ID,
				"uid":        env.UID,
				"message_id": env.MessageID,
				"from":       env.From,
				"to":         env.To,
				"subject":    env.Subject,
				"date":       env.Date,
			})
		if err != nil {
			errs = append(errs, fmt.Errorf("uid %d: %w", env.UID, err))
			continue
		}
		res.Processed++
	}
	if newCount > n {
		i.logger.Infow("New mail exceeds envelope limit, older messages skipped",
			"account", account.ID, "newCount", newCount, "limit", n)
	}
	return res, errors.Join(errs...)
}
