package mail

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/telekom/mail-courier/pkg/metrics"
	"github.com/telekom/mail-courier/pkg/system"
)

func TestSendMetricsIncrement(t *testing.T) {
	tr := &fakeTransport{name: "metrics-test"}
	a := NewAdapter(tr, nil, AdapterOptions{Retry: RetryPolicy{MaxRetries: 0}}, system.NewTestLogger())

	successBefore := testutil.ToFloat64(metrics.SendSuccess.WithLabelValues("metrics-test"))
	_, err := a.Send(context.Background(), testMessage(), "metrics@example.com", Credentials{})
	assert.NoError(t, err)
	assert.Equal(t, successBefore+1, testutil.ToFloat64(metrics.SendSuccess.WithLabelValues("metrics-test")))

	tr.errs = []error{&ProviderError{Protocol: ProtocolHTTP, Code: 401, Message: "bad token"}}
	failBefore := testutil.ToFloat64(metrics.SendFailure.WithLabelValues("metrics-test", CodeAuth))
	_, err = a.Send(context.Background(), testMessage(), "metrics@example.com", Credentials{})
	assert.Error(t, err)
	assert.Equal(t, failBefore+1, testutil.ToFloat64(metrics.SendFailure.WithLabelValues("metrics-test", CodeAuth)))

	assert.False(t, errors.Is(err, ErrCircuitOpen))
}
