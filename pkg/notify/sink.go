/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notify

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

// Write logs the notification.
func (s *LogSink) Write(_ context.Context, n *Notification) error {
	fields := []zap.Field{
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("severity", string(n.Severity)),
		zap.String("user_id", n.UserID),
		zap.Time("timestamp", n.Timestamp),
	}
	if len(n.Context) > 0 {
		if ctxJSON, err := json.Marshal(n.Context); err == nil {
			fields = append(fields, zap.String("context", string(ctxJSON)))
		}
	}

	switch n.Severity {
	case SeverityError:
		s.logger.Error(n.Message, fields...)
	case SeverityWarning:
		s.logger.Warn(n.Message, fields...)
	default:
		s.logger.Info(n.Message, fields...)
	}
	return nil
}

// Close is a no-op for LogSink.
func (s *LogSink) Close() error {
	return nil
}

// Name returns the sink identifier.
func (s *LogSink) Name() string {
	return "log"
}

// MultiSink fans a notification out to every sink. A failing sink does not
// stop delivery to the others.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write delivers to all sinks and joins their errors.
func (m *MultiSink) Write(ctx context.Context, n *Notification) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all sinks and joins their errors.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Name returns the sink identifier.
func (m *MultiSink) Name() string {
	return "multi"
}

// Sinks returns the wrapped sinks.
func (m *MultiSink) Sinks() []Sink {
	return m.sinks
}
