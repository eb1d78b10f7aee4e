// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestResolveSecrets(t *testing.T) {
	keyring.MockInit()

	require.NoError(t, StoreSecret("sender@example.com", "smtp-secret"))
	require.NoError(t, StoreSecret("api-token", "tok"))
	require.NoError(t, StoreSecret("alice@example.com", "imap-secret"))

	cfg := Config{
		SMTP: SMTP{Username: "sender@example.com", PasswordFromKeyring: true},
		API:  ProviderAPI{TokenFromKeyring: true},
		Accounts: []Account{
			{ID: "a", IMAP: IMAP{Username: "alice@example.com", PasswordFromKeyring: true}},
			{ID: "b", IMAP: IMAP{Username: "bob@example.com", Password: "inline"}},
		},
	}

	require.NoError(t, cfg.ResolveSecrets())
	assert.Equal(t, "smtp-secret", cfg.SMTP.Password)
	assert.Equal(t, "tok", cfg.API.AccessToken)
	assert.Equal(t, "imap-secret", cfg.Accounts[0].IMAP.Password)
	assert.Equal(t, "inline", cfg.Accounts[1].IMAP.Password)
}

func TestResolveSecrets_Missing(t *testing.T) {
	keyring.MockInit()

	cfg := Config{SMTP: SMTP{Username: "nobody@example.com", PasswordFromKeyring: true}}
	err := cfg.ResolveSecrets()
	require.Error(t, err)
	assert.ErrorIs(t, err, keyring.ErrNotFound)
}
