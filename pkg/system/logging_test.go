// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("production", func(t *testing.T) {
		l, err := NewLogger(false)
		require.NoError(t, err)
		assert.NotNil(t, l)
		assert.False(t, l.Core().Enabled(-1), "debug level should be disabled in production")
	})

	t.Run("debug", func(t *testing.T) {
		l, err := NewLogger(true)
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(-1))
	})
}

func TestAccountFields(t *testing.T) {
	assert.Equal(t, []interface{}{"account", "acc-1"}, AccountFields("acc-1", ""))
	assert.Equal(t, []interface{}{"account", "acc-1", "user", "u-1"}, AccountFields("acc-1", "u-1"))
}

func TestCampaignFields(t *testing.T) {
	assert.Equal(t, []interface{}{"campaign", "c1"}, CampaignFields("c1", ""))
	assert.Equal(t, []interface{}{"campaign", "c1", "identity", "me@example.com"}, CampaignFields("c1", "me@example.com"))
}

func TestNewTestLogger(t *testing.T) {
	l := NewTestLogger()
	assert.NotNil(t, l)
	l.Infow("hello", "k", "v")
}
