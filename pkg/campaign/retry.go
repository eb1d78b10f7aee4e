// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package campaign

import (
	"github.com/google/uuid"
)

// RetryRequest builds a follow-up request for the retry-eligible recipients
// of res, keeping their original personalization. An empty newID derives one
// from the original campaign id.
func RetryRequest(req *BulkSendRequest, res *BulkSendResult, newID string) (*BulkSendRequest, error) {
	eligible := make(map[string]struct{})
	for _, f := range res.RetryEligible() {
		eligible[f.Email] = struct{}{}
	}
	if len(eligible) == 0 {
		return nil, ErrNothingToRetry
	}

	var recipients []Recipient
	for _, r := range req.Recipients {
		if _, ok := eligible[r.Email]; ok {
			recipients = append(recipients, r)
			// duplicates in the original list are retried once
			delete(eligible, r.Email)
		}
	}
	if len(recipients) == 0 {
		return nil, ErrNothingToRetry
	}

	if newID == "" {
		newID = req.CampaignID + "-retry-" + uuid.NewString()[:8]
	}
	return &BulkSendRequest{
		CampaignID:  newID,
		Sender:      req.Sender,
		Template:    req.Template,
		Recipients:  recipients,
		SendOptions: req.SendOptions,
	}, nil
}
