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
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/metrics"
)

// KafkaSink publishes notifications to a Kafka topic keyed by user id, so a
// user's notifications stay ordered within one partition.
type KafkaSink struct {
	name   string
	writer *kafka.Writer
	logger *zap.Logger
	mu     sync.Mutex
	closed bool

	messagesWritten atomic.Int64
	messagesFailed  atomic.Int64
	connected       atomic.Bool
	lastError       atomic.Value // stores error
}

// NewKafkaSink creates a KafkaSink from the notification config.
func NewKafkaSink(cfg config.Kafka, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}

	transport := &kafka.Transport{}
	if cfg.TLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		mechanism, err := saslMechanism(cfg.SASL)
		if err != nil {
			logger.Error("failed to build Kafka SASL mechanism",
				zap.Error(err),
				zap.String("mechanism", cfg.SASL.Mechanism))
			return nil, fmt.Errorf("failed to build SASL mechanism: %w", err)
		}
		transport.SASL = mechanism
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = -1
	}

	compression, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              batchSize,
		BatchTimeout:           batchTimeout,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequiredAcks(requiredAcks),
		Compression:            compression,
		Transport:              transport,
		AllowAutoTopicCreation: false,
	}

	sink := &KafkaSink{
		name:   "kafka",
		writer: writer,
		logger: logger.Named("kafka-notify"),
	}
	sink.connected.Store(true)

	logger.Info("Kafka notification sink created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.Bool("tls_enabled", cfg.TLS),
		zap.Bool("sasl_enabled", cfg.SASL != nil && cfg.SASL.Mechanism != ""))

	return sink, nil
}

func compressionCodec(name string) (kafka.Compression, error) {
	switch name {
	case "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	case "snappy", "":
		return kafka.Snappy, nil
	default:
		return 0, fmt.Errorf("unsupported compression codec: %s", name)
	}
}

// Write publishes a notification. Failures come back as *DeliveryError.
func (s *KafkaSink) Write(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s.fail(n, FailureClosed, errors.New("kafka sink is closed"))
	}

	value, err := json.Marshal(n)
	if err != nil {
		return s.fail(n, FailureEncoding, err)
	}

	msg := kafka.Message{
		Key:   []byte(n.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "notification-id", Value: []byte(n.ID)},
			{Key: "notification-type", Value: []byte(n.Type)},
			{Key: "severity", Value: []byte(n.Severity)},
			{Key: "timestamp", Value: []byte(n.Timestamp.Format(time.RFC3339))},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.lastError.Store(err)
		s.connected.Store(false)
		return s.fail(n, classifyFailure(err), err)
	}

	s.messagesWritten.Add(1)
	if !s.connected.Swap(true) {
		s.logger.Info("Kafka sink connection restored")
	}
	return nil
}

func (s *KafkaSink) fail(n *Notification, class FailureClass, err error) error {
	metrics.NotificationErrors.WithLabelValues(s.name, string(class)).Inc()
	s.messagesFailed.Add(1)

	fields := []zap.Field{
		zap.Error(err),
		zap.String("failure_class", string(class)),
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
	}
	if class.Transient() {
		s.logger.Warn("Kafka sink temporarily unavailable, notification dropped", fields...)
	} else {
		s.logger.Error("failed to write notification to Kafka", fields...)
	}
	return &DeliveryError{Sink: s.name, Class: class, Err: err}
}

// Close closes the Kafka writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Info("closing Kafka notification sink",
		zap.Int64("messages_written", s.messagesWritten.Load()),
		zap.Int64("messages_failed", s.messagesFailed.Load()))

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka writer: %w", err)
	}
	return nil
}

// Name returns the sink identifier.
func (s *KafkaSink) Name() string {
	return s.name
}

// IsConnected reports whether the last write succeeded.
func (s *KafkaSink) IsConnected() bool {
	return s.connected.Load()
}

// LastError returns the most recent write error, if any.
func (s *KafkaSink) LastError() error {
	if err, ok := s.lastError.Load().(error); ok {
		return err
	}
	return nil
}

var scramAlgorithms = map[string]scram.Algorithm{
	"SCRAM-SHA-256": scram.SHA256,
	"SCRAM-SHA-512": scram.SHA512,
}

// saslMechanism returns the broker login for cfg. Mechanism names are matched
// case-insensitively.
func saslMechanism(cfg *config.KafkaSASL) (sasl.Mechanism, error) {
	name := strings.ToUpper(cfg.Mechanism)
	if name == "PLAIN" {
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	}
	algo, ok := scramAlgorithms[name]
	if !ok {
		return nil, fmt.Errorf("unsupported SASL mechanism %q", cfg.Mechanism)
	}
	m, err := scram.Mechanism(algo, cfg.Username, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("creating %s mechanism: %w", name, err)
	}
	return m, nil
}
