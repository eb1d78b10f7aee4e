// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package listener

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/metrics"
	"github.com/telekom/mail-courier/pkg/notify"
	"github.com/telekom/mail-courier/pkg/system"
)

// Options tune the session lifecycle. Zero values fall back to defaults.
type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	// IdleRefresh re-issues IDLE before the server's own timeout.
	IdleRefresh time.Duration
	IdlePause   time.Duration
	// Mailbox is opened when the account does not name one.
	Mailbox string
	Clock   clock.Clock
}

// OptionsFromConfig maps the listener configuration section to Options.
func OptionsFromConfig(cfg config.Listener) Options {
	return Options{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay,
		IdleRefresh:          cfg.IdleRefresh,
		IdlePause:            cfg.IdlePause,
		Mailbox:              cfg.Mailbox,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.IdleRefresh <= 0 {
		o.IdleRefresh = 25 * time.Minute
	}
	if o.IdlePause <= 0 {
		o.IdlePause = time.Second
	}
	if o.Mailbox == "" {
		o.Mailbox = "INBOX"
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

// Listener owns the mailbox sessions. It is safe for concurrent use.
type Listener struct {
	factory  ClientFactory
	ingestor Ingestor
	notifier ErrorNotifier
	opts     Options
	clock    clock.Clock
	logger   *zap.SugaredLogger

	mu           sync.Mutex
	sessions     map[string]*session
	shuttingDown bool
}

// New creates a listener. notifier may be nil.
func New(factory ClientFactory, ingestor Ingestor, notifier ErrorNotifier, opts Options, logger *zap.SugaredLogger) *Listener {
	opts = opts.withDefaults()
	return &Listener{
		factory:  factory,
		ingestor: ingestor,
		notifier: notifier,
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger.Named("listener"),
		sessions: make(map[string]*session),
	}
}

type session struct {
	account config.Account
	mailbox string
	cancel  context.CancelFunc
	done    chan struct{}

	mu           sync.Mutex
	state        State
	connectedAt  time.Time
	lastActivity time.Time
	attempts     int
	count        uint32
	expunged     uint64
	ingested     int
	lastErr      string
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) connected(now time.Time, count uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdling
	s.connectedAt = now
	s.lastActivity = now
	s.attempts = 0
	s.count = count
	s.expunged = 0
}

func (s *session) reconnecting(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateReconnecting
	s.attempts = attempt
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err.Error()
}

// observe applies ev and returns the number of newly arrived messages.
func (s *session) observe(ev Event, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if ev.Expunged > s.expunged {
		gone := ev.Expunged - s.expunged
		s.expunged = ev.Expunged
		if uint64(s.count) > gone {
			s.count -= uint32(gone)
		} else {
			s.count = 0
		}
	}
	if ev.Kind != EventNewMail {
		return 0
	}
	n := 0
	if ev.Count > s.count {
		n = int(ev.Count - s.count)
	}
	s.count = ev.Count
	return n
}

func (s *session) addIngested(n int) {
	s.mu.Lock()
	s.ingested += n
	s.mu.Unlock()
}

func (s *session) status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		AccountID:         s.account.ID,
		UserID:            s.account.UserID,
		Provider:          s.account.Provider,
		Mailbox:           s.mailbox,
		State:             s.state,
		ReconnectAttempts: s.attempts,
		MessageCount:      s.count,
		Ingested:          s.ingested,
		LastError:         s.lastErr,
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		st.ConnectedAt = &t
	}
	if !s.lastActivity.IsZero() {
		t := s.lastActivity
		st.LastActivity = &t
	}
	return st
}

func (l *Listener) isShuttingDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shuttingDown
}

func (l *Listener) updateSessionGauge() {
	metrics.ListenerSessions.Set(float64(len(l.sessions)))
}

// StartListening opens a session for account. The first connection attempt
// is made synchronously; on failure the session keeps retrying in the
// background and false is returned. Starting an account that is already
// monitored is a no-op returning true.
func (l *Listener) StartListening(ctx context.Context, account config.Account) bool {
	log := l.logger.With(system.AccountFields(account.ID, account.UserID)...)

	l.mu.Lock()
	if l.shuttingDown {
		l.mu.Unlock()
		log.Warnw("Listener is shutting down, not starting session")
		return false
	}
	if _, ok := l.sessions[account.ID]; ok {
		l.mu.Unlock()
		log.Debugw("Account already monitored")
		return true
	}
	mailbox := account.IMAP.Mailbox
	if mailbox == "" {
		mailbox = l.opts.Mailbox
	}
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		account: account,
		mailbox: mailbox,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateConnecting,
	}
	l.sessions[account.ID] = s
	l.updateSessionGauge()
	l.mu.Unlock()

	connectCtx, stop := context.WithCancel(sessCtx)
	unregister := context.AfterFunc(ctx, stop)
	client, err := l.connect(connectCtx, s)
	unregister()
	stop()

	go l.run(sessCtx, s, client)

	if err != nil {
		s.fail(err)
		log.Warnw("Initial mailbox connection failed, retrying in background", "error", err)
		return false
	}
	log.Infow("Listening for new mail", "mailbox", mailbox)
	return true
}

func (l *Listener) connect(ctx context.Context, s *session) (MailboxClient, error) {
	s.setState(StateConnecting)
	client, err := l.factory(s.account)
	if err != nil {
		return nil, fmt.Errorf("creating mailbox client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	count, err := client.OpenMailbox(ctx, s.mailbox)
	if err != nil {
		_ = client.Disconnect()
		return nil, err
	}
	s.connected(l.clock.Now(), count)
	return client, nil
}

// run owns the session until it is stopped or gives up. client is nil when
// the initial connection failed.
func (l *Listener) run(ctx context.Context, s *session, client MailboxClient) {
	defer close(s.done)
	log := l.logger.With(system.AccountFields(s.account.ID, s.account.UserID)...)

	for {
		if client != nil {
			err := l.serve(ctx, s, client)
			if derr := client.Disconnect(); derr != nil {
				log.Debugw("Disconnect failed", "error", derr)
			}
			if ctx.Err() != nil || l.isShuttingDown() {
				s.setState(StateDisconnected)
				return
			}
			log.Warnw("Mailbox connection lost", "error", err)
			s.fail(err)
		}
		if client = l.reconnect(ctx, s, log); client == nil {
			return
		}
	}
}

// reconnect retries with a linear delay. It returns nil when the session was
// stopped or the attempts are exhausted.
func (l *Listener) reconnect(ctx context.Context, s *session, log *zap.SugaredLogger) MailboxClient {
	maxAttempts := l.opts.MaxReconnectAttempts
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil || l.isShuttingDown() {
			s.setState(StateDisconnected)
			return nil
		}
		delay := l.opts.ReconnectDelay * time.Duration(attempt)
		s.reconnecting(attempt)
		metrics.ListenerReconnects.WithLabelValues("scheduled").Inc()
		log.Infow("Scheduling mailbox reconnect",
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"delay", delay.String())

		timer := l.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return nil
		case <-timer.C():
		}
		if l.isShuttingDown() {
			s.setState(StateDisconnected)
			return nil
		}

		client, err := l.connect(ctx, s)
		if err == nil {
			metrics.ListenerReconnects.WithLabelValues("succeeded").Inc()
			log.Infow("Mailbox reconnected", "attempt", attempt)
			return client
		}
		metrics.ListenerReconnects.WithLabelValues("failed").Inc()
		log.Warnw("Mailbox reconnect failed", "attempt", attempt, "error", err)
		s.fail(err)
		s.reconnecting(attempt)
		lastErr = err
	}

	if ctx.Err() != nil || l.isShuttingDown() {
		s.setState(StateDisconnected)
		return nil
	}
	l.giveUp(ctx, s, lastErr, log)
	return nil
}

func (l *Listener) giveUp(ctx context.Context, s *session, lastErr error, log *zap.SugaredLogger) {
	s.setState(StateGaveUp)

	l.mu.Lock()
	if l.sessions[s.account.ID] == s {
		delete(l.sessions, s.account.ID)
		l.updateSessionGauge()
	}
	l.mu.Unlock()

	metrics.ListenerReconnects.WithLabelValues("gave_up").Inc()
	failures := l.opts.MaxReconnectAttempts + 1
	log.Errorw("Giving up on mailbox after repeated connection failures",
		"failures", failures,
		"error", lastErr)

	if l.notifier == nil {
		return
	}
	reason := "unknown error"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	_ = l.notifier.NotifyError(context.WithoutCancel(ctx), s.account.UserID,
		fmt.Sprintf("Stopped monitoring mailbox %s after %d failed connection attempts: %s", s.account.ID, failures, reason),
		map[string]any{
			notify.KindField: string(notify.TypeListenerGaveUp),
			"account_id":     s.account.ID,
			"provider":       s.account.Provider,
			"attempts":       failures,
			"error":          reason,
		})
}

// serve idles on an established connection until it fails or ctx ends.
func (l *Listener) serve(ctx context.Context, s *session, client MailboxClient) error {
	events := client.Events()
	for {
		s.setState(StateIdling)
		ev, err := l.idleOnce(ctx, client, events)
		if err != nil {
			return err
		}

		if ev != nil {
			batch := []Event{*ev}
		drain:
			for {
				select {
				case e := <-events:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			l.handleEvents(ctx, s, client, batch)
		}

		timer := l.clock.NewTimer(l.opts.IdlePause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// idleOnce holds one IDLE until an event arrives, the refresh interval
// passes or ctx ends.
func (l *Listener) idleOnce(ctx context.Context, client MailboxClient, events <-chan Event) (*Event, error) {
	idleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Idle(idleCtx) }()

	refresh := l.clock.NewTimer(l.opts.IdleRefresh)
	defer refresh.Stop()

	var ev *Event
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			err = ErrConnectionClosed
		}
		return nil, err
	case <-ctx.Done():
	case e := <-events:
		ev = &e
	case <-refresh.C():
	}

	cancel()
	if err := <-errCh; err != nil && ctx.Err() == nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return ev, nil
}

func (l *Listener) handleEvents(ctx context.Context, s *session, client MailboxClient, events []Event) {
	now := l.clock.Now()
	newMail := 0
	for _, ev := range events {
		metrics.ListenerEvents.WithLabelValues(string(ev.Kind)).Inc()
		newMail += s.observe(ev, now)
	}
	if newMail == 0 {
		return
	}

	log := l.logger.With(system.AccountFields(s.account.ID, s.account.UserID)...)
	log.Debugw("New mail detected", "newCount", newMail)

	res, err := l.ingestor.OnNewMail(ctx, s.account, client, newMail)
	s.addIngested(res.Processed)
	metrics.IngestedMessages.Add(float64(res.Processed))
	if err == nil {
		return
	}

	ierr := &IngestionError{AccountID: s.account.ID, NewCount: newMail, Err: err}
	metrics.IngestionErrors.Inc()
	s.fail(ierr)
	log.Errorw("Failed to ingest new mail", "error", ierr)
	if l.notifier != nil {
		_ = l.notifier.NotifyError(context.WithoutCancel(ctx), s.account.UserID, ierr.Error(), map[string]any{
			notify.KindField: string(notify.TypeIngestionFailed),
			"account_id":     s.account.ID,
			"new_count":      newMail,
		})
	}
}

// StopListening stops the account's session and waits for it to release its
// connection. It reports whether the account was monitored.
func (l *Listener) StopListening(accountID string) bool {
	l.mu.Lock()
	s, ok := l.sessions[accountID]
	if ok {
		delete(l.sessions, accountID)
		l.updateSessionGauge()
	}
	l.mu.Unlock()
	if !ok {
		return false
	}

	s.cancel()
	<-s.done
	l.logger.Infow("Stopped listening", "account", accountID)
	return true
}

// StopAll stops every session concurrently and waits for them. Reconnects
// in flight are suppressed and later StartListening calls are refused.
func (l *Listener) StopAll() {
	l.mu.Lock()
	l.shuttingDown = true
	sessions := make([]*session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.sessions = make(map[string]*session)
	l.updateSessionGauge()
	l.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.cancel()
			<-s.done
			return nil
		})
	}
	_ = g.Wait()
	l.logger.Infow("All mailbox sessions stopped", "sessions", len(sessions))
}

// IsMonitoring reports whether accountID has a live or reconnecting session.
func (l *Listener) IsMonitoring(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[accountID]
	return ok
}

// GetStatus returns a snapshot of every session ordered by account id.
func (l *Listener) GetStatus() []SessionStatus {
	l.mu.Lock()
	sessions := make([]*session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// MonitorAll starts a session for every active account of source and
// returns how many connected on the first attempt.
func (l *Listener) MonitorAll(ctx context.Context, source AccountSource) (int, error) {
	accounts, err := source.GetActiveAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading active accounts: %w", err)
	}

	var started atomic.Int32
	var g errgroup.Group
	g.SetLimit(8)
	for _, a := range accounts {
		if !a.IsActive() {
			continue
		}
		g.Go(func() error {
			if l.StartListening(ctx, a) {
				started.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	l.logger.Infow("Mailbox monitoring initialized",
		"accounts", len(accounts),
		"connected", started.Load())
	return int(started.Load()), nil
}
