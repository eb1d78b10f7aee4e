// Package campaign runs bulk sends. A request is validated, admitted against
// the quota governor as a whole, split into ordered batches and dispatched
// with bounded concurrency. Each batch asks the governor again before it
// sends, and its counters are applied to the campaign status only after all
// of its recipients finished, so sent+failed+pending always equals total.
//
// Failed recipients are reported with their retry eligibility; resubmitting
// them is left to the caller (see RetryRequest).
package campaign
