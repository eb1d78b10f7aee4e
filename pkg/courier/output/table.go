package output

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/telekom/mail-courier/pkg/campaign"
)

// WriteCampaignSummary prints the headline numbers of a campaign result.
func WriteCampaignSummary(w io.Writer, res *campaign.BulkSendResult) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	st := res.Status
	_, _ = fmt.Fprintln(tw, "CAMPAIGN\tSTATE\tTOTAL\tSENT\tFAILED\tPENDING\tCOMPLETE\tDURATION")
	_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%.1f%%\t%s\n",
		st.CampaignID, st.State, st.Total, st.Sent, st.Failed, st.Pending,
		res.CompletionPercentage, res.TotalTime.Duration.Round(time.Millisecond))
	_ = tw.Flush()
}

// WriteFailureTable lists undelivered recipients.
func WriteFailureTable(w io.Writer, failures []campaign.FailedEmail) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "EMAIL\tCODE\tRETRY\tRETRY_AFTER\tERROR")
	for _, f := range failures {
		retryAfter := "-"
		if f.RetryAfter != nil {
			retryAfter = formatTime(*f.RetryAfter)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", f.Email, f.ErrorCode, f.RetryScheduled, retryAfter, f.Error)
	}
	_ = tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
