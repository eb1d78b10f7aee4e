// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name under which courier secrets are stored.
const KeyringService = "mail-courier"

// ResolveSecrets replaces keyring-backed credentials with the values stored in
// the OS keyring. Secrets are looked up by the username they belong to; the API
// token uses the fixed user "api-token".
func (c *Config) ResolveSecrets() error {
	if c.SMTP.PasswordFromKeyring {
		secret, err := keyring.Get(KeyringService, c.SMTP.Username)
		if err != nil {
			return fmt.Errorf("reading smtp password for %s from keyring: %w", c.SMTP.Username, err)
		}
		c.SMTP.Password = secret
	}

	if c.API.TokenFromKeyring {
		secret, err := keyring.Get(KeyringService, "api-token")
		if err != nil {
			return fmt.Errorf("reading api token from keyring: %w", err)
		}
		c.API.AccessToken = secret
	}

	for i := range c.Accounts {
		a := &c.Accounts[i]
		if !a.IMAP.PasswordFromKeyring {
			continue
		}
		secret, err := keyring.Get(KeyringService, a.IMAP.Username)
		if err != nil {
			return fmt.Errorf("reading imap password for account %s from keyring: %w", a.ID, err)
		}
		a.IMAP.Password = secret
	}
	return nil
}

// StoreSecret saves a secret for user in the OS keyring.
func StoreSecret(user, secret string) error {
	return keyring.Set(KeyringService, user, secret)
}
