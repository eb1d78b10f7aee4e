package cmd

import (
	"fmt"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/mail-courier/pkg/campaign"
	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/listener"
	"github.com/telekom/mail-courier/pkg/mail"
	"github.com/telekom/mail-courier/pkg/notify"
	"github.com/telekom/mail-courier/pkg/quota"
	"github.com/telekom/mail-courier/pkg/ratelimit"
)

// Services is the fully wired courier. Each component is constructed once
// and handed to its dependents.
type Services struct {
	Config       config.Config
	Governor     *quota.Governor
	Adapter      *mail.Adapter
	Notifier     *notify.Notifier
	Orchestrator *campaign.Orchestrator
	Listener     *listener.Listener

	pacer *ratelimit.KeyedLimiter
	log   *zap.SugaredLogger
}

// NewServices builds every component from cfg. transport may be nil, in which
// case cfg.Transport selects SMTP or the provider REST API.
func NewServices(cfg config.Config, transport mail.Transport, zlog *zap.Logger) (*Services, error) {
	log := zlog.Sugar()
	clk := clock.RealClock{}

	gov := quota.NewGovernor(quota.Config{
		DailyLimit:        cfg.Governor.DailyLimit,
		UserLimit:         cfg.Governor.UserLimit,
		UserShare:         cfg.Governor.UserShare,
		RequestsPerSecond: cfg.Governor.RequestsPerSecond,
		SweepInterval:     cfg.Governor.SweepInterval,
	}, clk, log)

	if transport == nil {
		var err error
		if transport, err = newTransport(cfg, log); err != nil {
			return nil, err
		}
	}

	var pacer *ratelimit.KeyedLimiter
	if cfg.Retry.PerIdentityRate > 0 {
		rl := ratelimit.DefaultSendConfig()
		rl.Rate = cfg.Retry.PerIdentityRate
		rl.Burst = cfg.Retry.PerIdentityBurst
		pacer = ratelimit.New(rl)
	}

	adapter := mail.NewAdapter(transport, gov, mail.AdapterOptions{
		Breaker: mail.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		},
		Retry: mail.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Multiplier: cfg.Retry.Multiplier,
			Jitter:     cfg.Retry.Jitter,
		},
		Pacer:           pacer,
		UnitsPerMessage: cfg.Governor.UnitsPerMessage,
		UnitBytes:       cfg.Governor.UnitBytes,
		Clock:           clk,
	}, log)

	sink, err := newSink(cfg.Notification, zlog)
	if err != nil {
		if pacer != nil {
			pacer.Stop()
		}
		return nil, err
	}
	notifier := notify.NewNotifier(sink, clk, log)

	orch := campaign.NewOrchestrator(adapter, gov, campaign.Options{
		Defaults:        cfg.Campaign,
		UnitsPerMessage: cfg.Governor.UnitsPerMessage,
		UnitBytes:       cfg.Governor.UnitBytes,
		Clock:           clk,
		Notifier:        notifier,
	}, log)

	ingestor := listener.NewEnvelopeIngestor(notifier, cfg.Listener.EnvelopeLimit, log)
	lst := listener.New(listener.NewIMAPFactory(log), ingestor, notifier, listener.OptionsFromConfig(cfg.Listener), log)

	return &Services{
		Config:       cfg,
		Governor:     gov,
		Adapter:      adapter,
		Notifier:     notifier,
		Orchestrator: orch,
		Listener:     lst,
		pacer:        pacer,
		log:          log,
	}, nil
}

func newTransport(cfg config.Config, log *zap.SugaredLogger) (mail.Transport, error) {
	switch cfg.Transport {
	case config.TransportSMTP:
		return mail.NewSMTPTransport(cfg.SMTP, log), nil
	case config.TransportAPI:
		return mail.NewAPITransport(cfg.API, log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func newSink(cfg config.Notification, zlog *zap.Logger) (notify.Sink, error) {
	var sinks []notify.Sink
	if !cfg.DisableLog {
		sinks = append(sinks, notify.NewLogSink(zlog))
	}
	if cfg.Kafka.Enabled {
		k, err := notify.NewKafkaSink(cfg.Kafka, zlog)
		if err != nil {
			return nil, fmt.Errorf("creating kafka notification sink: %w", err)
		}
		sinks = append(sinks, k)
	}
	return notify.NewMultiSink(sinks...), nil
}

// Close stops the listener and flushes notifications.
func (s *Services) Close() error {
	s.Listener.StopAll()
	if s.pacer != nil {
		s.pacer.Stop()
	}
	if err := s.Notifier.Close(); err != nil {
		return fmt.Errorf("closing notifier: %w", err)
	}
	return nil
}
