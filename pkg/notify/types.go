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
	"time"
)

// Type classifies a notification.
type Type string

const (
	// TypeListenerGaveUp is sent once when a mailbox exhausted its reconnects.
	TypeListenerGaveUp Type = "listener.gave_up"
	// TypeIngestionFailed is sent when processing new mail failed.
	TypeIngestionFailed Type = "ingestion.failed"
	// TypeMailReceived announces newly detected inbound mail.
	TypeMailReceived Type = "mail.received"
	// TypeCampaignCompleted reports a finished bulk send.
	TypeCampaignCompleted Type = "campaign.completed"
	// TypeError is a generic error notification.
	TypeError Type = "error"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is one message for a mailbox owner.
type Notification struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"user_id"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink defines the interface for notification destinations.
type Sink interface {
	// Write delivers a notification to the sink.
	Write(ctx context.Context, n *Notification) error

	// Close releases any resources held by the sink.
	Close() error

	// Name returns the sink's identifier.
	Name() string
}
