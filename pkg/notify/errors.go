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
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/segmentio/kafka-go"
)

// FailureClass groups notification delivery failures. It is used as the
// metric label and picks the log level.
type FailureClass string

const (
	FailureClosed      FailureClass = "closed"
	FailureEncoding    FailureClass = "encoding"
	FailureTimeout     FailureClass = "timeout"
	FailureCancelled   FailureClass = "cancelled"
	FailureUnreachable FailureClass = "unreachable"
	FailureCredentials FailureClass = "credentials"
	FailureTLS         FailureClass = "tls"
	FailureTopic       FailureClass = "topic"
	FailureBroker      FailureClass = "broker"
	FailureOther       FailureClass = "other"
)

// Transient reports whether a later delivery may succeed without operator
// action.
func (c FailureClass) Transient() bool {
	switch c {
	case FailureTimeout, FailureCancelled, FailureUnreachable, FailureBroker:
		return true
	}
	return false
}

// DeliveryError is returned by sinks that classify their failures.
type DeliveryError struct {
	Sink  string
	Class FailureClass
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering notification via %s (%s): %v", e.Sink, e.Class, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// FailureClassOf returns the class carried by a DeliveryError in err's chain,
// or classifies err itself.
func FailureClassOf(err error) FailureClass {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Class
	}
	return classifyFailure(err)
}

// classifyFailure maps transport and broker errors onto a FailureClass.
func classifyFailure(err error) FailureClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	}

	// a batch reports one error per message, they share a cause
	var batch kafka.WriteErrors
	if errors.As(err, &batch) {
		for _, e := range batch {
			if e != nil {
				return classifyFailure(e)
			}
		}
		return FailureOther
	}

	var code kafka.Error
	if errors.As(err, &code) {
		return brokerFailure(code)
	}

	var (
		verifyErr   *tls.CertificateVerificationError
		unknownCA   x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &unknownCA) || errors.As(err, &hostnameErr) {
		return FailureTLS
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureUnreachable
	}
	return FailureOther
}

func brokerFailure(code kafka.Error) FailureClass {
	switch code {
	case kafka.SASLAuthenticationFailed, kafka.UnsupportedSASLMechanism, kafka.IllegalSASLState,
		kafka.TopicAuthorizationFailed, kafka.ClusterAuthorizationFailed:
		return FailureCredentials
	case kafka.UnknownTopicOrPartition, kafka.InvalidTopic:
		return FailureTopic
	case kafka.RequestTimedOut:
		return FailureTimeout
	}
	if code.Temporary() {
		return FailureBroker
	}
	return FailureOther
}
