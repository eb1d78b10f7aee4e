package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Governor metrics
	QuotaUnitsUsed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_quota_units_used_total",
		Help: "Total quota units recorded against the global daily counter",
	})
	QuotaDailyUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_quota_daily_usage",
		Help: "Quota units used in the current daily period",
	})
	AdmissionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_admission_decisions_total",
		Help: "Governor admission decisions grouped by outcome (allowed, rate_limited, daily_quota, user_quota)",
	}, []string{"outcome"})
	SendAttemptsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_send_attempts_recorded_total",
		Help: "Provider send attempts recorded by the rate tracker",
	})
	GovernorSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_governor_sweeps_total",
		Help: "Expired counter sweeps performed by the governor",
	})

	// Send adapter metrics
	SendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_send_success_total",
		Help: "Total number of messages accepted by the provider",
	}, []string{"transport"})
	SendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_send_failure_total",
		Help: "Total number of terminal send failures grouped by error code",
	}, []string{"transport", "code"})
	SendRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_send_retries_total",
		Help: "Total number of send retries scheduled after a retryable error",
	}, []string{"transport"})
	SendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courier_send_duration_seconds",
		Help:    "Duration of a full send including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courier_breaker_state",
		Help: "Circuit breaker state per identity (0=closed, 1=open, 2=half-open)",
	}, []string{"identity"})
	BreakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_breaker_rejections_total",
		Help: "Sends rejected without contacting the provider because the breaker was open",
	}, []string{"identity"})

	// Campaign metrics
	CampaignsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_campaigns_started_total",
		Help: "Total number of campaigns accepted for processing",
	})
	CampaignsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_campaigns_rejected_total",
		Help: "Campaigns rejected before processing grouped by reason",
	}, []string{"reason"})
	CampaignsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_campaigns_completed_total",
		Help: "Campaigns that stopped processing grouped by result (completed, cancelled)",
	}, []string{"result"})
	CampaignRecipients = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_campaign_recipients_total",
		Help: "Campaign recipient outcomes (sent, failed)",
	}, []string{"outcome"})
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_batch_duration_seconds",
		Help:    "Processing time of a single campaign batch",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	CampaignsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_campaigns_active",
		Help: "Campaigns currently being processed",
	})

	// Listener metrics
	ListenerSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_listener_sessions",
		Help: "Mailbox listener sessions currently registered",
	})
	ListenerReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_listener_reconnects_total",
		Help: "Mailbox reconnect attempts grouped by result (scheduled, succeeded, failed, gave_up)",
	}, []string{"result"})
	ListenerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_listener_events_total",
		Help: "Mailbox events received from servers grouped by kind",
	}, []string{"kind"})
	IngestedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_ingested_messages_total",
		Help: "New messages reported as processed by the ingestion callback",
	})
	IngestionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_ingestion_errors_total",
		Help: "Errors returned by the ingestion callback",
	})

	// Notification metrics
	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_notifications_sent_total",
		Help: "Notifications written to a sink",
	}, []string{"sink", "type"})
	NotificationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_notification_errors_total",
		Help: "Notification sink write errors grouped by error type",
	}, []string{"sink", "error_type"})
)

func init() {
	prometheus.MustRegister(QuotaUnitsUsed)
	prometheus.MustRegister(QuotaDailyUsage)
	prometheus.MustRegister(AdmissionDecisions)
	prometheus.MustRegister(SendAttemptsRecorded)
	prometheus.MustRegister(GovernorSweeps)
	prometheus.MustRegister(SendSuccess)
	prometheus.MustRegister(SendFailure)
	prometheus.MustRegister(SendRetries)
	prometheus.MustRegister(SendDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerRejections)
	prometheus.MustRegister(CampaignsStarted)
	prometheus.MustRegister(CampaignsRejected)
	prometheus.MustRegister(CampaignsCompleted)
	prometheus.MustRegister(CampaignRecipients)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(CampaignsActive)
	prometheus.MustRegister(ListenerSessions)
	prometheus.MustRegister(ListenerReconnects)
	prometheus.MustRegister(ListenerEvents)
	prometheus.MustRegister(IngestedMessages)
	prometheus.MustRegister(IngestionErrors)
	prometheus.MustRegister(NotificationsSent)
	prometheus.MustRegister(NotificationErrors)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
