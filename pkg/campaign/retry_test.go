package campaign

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryRequest(t *testing.T) {
	req := newRequest("c-1", 4, 2)
	req.Recipients[2].Variables = map[string]any{"offer": "10%"}
	res := &BulkSendResult{
		CampaignID: "c-1",
		Failures: []FailedEmail{
			{Email: "user1@example.com", RetryScheduled: false},
			{Email: "user3@example.com", RetryScheduled: true},
			{Email: "user4@example.com", RetryScheduled: true},
		},
	}

	retry, err := RetryRequest(req, res, "c-1-again")
	require.NoError(t, err)
	assert.Equal(t, "c-1-again", retry.CampaignID)
	require.Len(t, retry.Recipients, 2)
	assert.Equal(t, "user3@example.com", retry.Recipients[0].Email)
	assert.Equal(t, "10%", retry.Recipients[0].Variables["offer"])
	assert.Equal(t, "user4@example.com", retry.Recipients[1].Email)
	assert.Equal(t, req.Template, retry.Template)
	assert.Equal(t, req.SendOptions, retry.SendOptions)

	generated, err := RetryRequest(req, res, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(generated.CampaignID, "c-1-retry-"))
	assert.NotEqual(t, generated.CampaignID, retry.CampaignID)
}

func TestRetryRequest_NothingEligible(t *testing.T) {
	req := newRequest("c-1", 2, 2)

	_, err := RetryRequest(req, &BulkSendResult{}, "")
	assert.ErrorIs(t, err, ErrNothingToRetry)

	_, err = RetryRequest(req, &BulkSendResult{Failures: []FailedEmail{{Email: "stranger@example.com", RetryScheduled: true}}}, "")
	assert.ErrorIs(t, err, ErrNothingToRetry)
}
