// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/mail-courier/pkg/metrics"
)

// KindField in NotifyError fields selects the notification Type.
const KindField = "kind"

// Notifier stamps notifications and hands them to a sink.
type Notifier struct {
	sink   Sink
	clock  clock.PassiveClock
	logger *zap.SugaredLogger
}

// NewNotifier creates a notifier writing to sink. A nil clock uses the wall clock.
func NewNotifier(sink Sink, clk clock.PassiveClock, logger *zap.SugaredLogger) *Notifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Notifier{sink: sink, clock: clk, logger: logger.Named("notifier")}
}

// Notify builds and delivers one notification. Delivery failures are logged
// and returned; callers treat them as best effort.
func (n *Notifier) Notify(ctx context.Context, typ Type, severity Severity, userID, message string, fields map[string]any) error {
	note := &Notification{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  severity,
		UserID:    userID,
		Message:   message,
		Context:   fields,
		Timestamp: n.clock.Now().UTC(),
	}

	if err := n.sink.Write(ctx, note); err != nil {
		class := FailureClassOf(err)
		metrics.NotificationErrors.WithLabelValues(n.sink.Name(), string(class)).Inc()
		n.logger.Warnw("Failed to deliver notification",
			"type", typ,
			"user", userID,
			"failureClass", class,
			"error", err)
		return err
	}
	metrics.NotificationsSent.WithLabelValues(n.sink.Name(), string(typ)).Inc()
	return nil
}

// NotifyError sends an error notification to userID. fields[KindField], when
// a string, sets the notification type.
func (n *Notifier) NotifyError(ctx context.Context, userID, message string, fields map[string]any) error {
	typ := TypeError
	if kind, ok := fields[KindField].(string); ok && kind != "" {
		typ = Type(kind)
	}
	return n.Notify(ctx, typ, SeverityError, userID, message, fields)
}

// Close closes the underlying sink.
func (n *Notifier) Close() error {
	return n.sink.Close()
}
