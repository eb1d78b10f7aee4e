// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package system holds process-wide helpers shared by the courier components:
// logger construction and common structured log fields.
package system

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Production config is JSON at info level,
// debug switches to the development encoder. Stack traces are disabled for
// non-fatal levels so transient provider errors don't flood the output.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// NewTestLogger returns a sugared development logger without stack traces.
func NewTestLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	logger, _ := cfg.Build()
	return logger.Sugar()
}

// AccountFields returns key/value pairs identifying a mailbox account, suitable
// for SugaredLogger.With or Infow. The user key is omitted when empty.
func AccountFields(accountID, userID string) []interface{} {
	if userID == "" {
		return []interface{}{"account", accountID}
	}
	return []interface{}{"account", accountID, "user", userID}
}

// CampaignFields returns key/value pairs identifying a campaign and, if set,
// the sending identity.
func CampaignFields(campaignID, identity string) []interface{} {
	if identity == "" {
		return []interface{}{"campaign", campaignID}
	}
	return []interface{}{"campaign", campaignID, "identity", identity}
}
