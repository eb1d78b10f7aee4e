// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/metrics"
)

const eventBuffer = 64

// IMAPClient is a MailboxClient over go-imap v2. Unilateral server data is
// turned into Events.
type IMAPClient struct {
	cfg    config.IMAP
	logger *zap.SugaredLogger
	events chan Event

	mu     sync.Mutex
	client *imapclient.Client
	// count tracks the selected mailbox size from SELECT, EXISTS and EXPUNGE.
	count    uint32
	expunged uint64
}

// NewIMAPClient creates an unconnected client for cfg.
func NewIMAPClient(cfg config.IMAP, logger *zap.SugaredLogger) *IMAPClient {
	return &IMAPClient{
		cfg:    cfg,
		logger: logger.Named("imap").With("host", cfg.Host, "username", cfg.Username),
		events: make(chan Event, eventBuffer),
	}
}

// NewIMAPFactory returns a ClientFactory building IMAPClients from the
// account configuration.
func NewIMAPFactory(logger *zap.SugaredLogger) ClientFactory {
	return func(account config.Account) (MailboxClient, error) {
		if account.IMAP.Host == "" {
			return nil, fmt.Errorf("account %s has no imap host", account.ID)
		}
		return NewIMAPClient(account.IMAP, logger), nil
	}
}

func (c *IMAPClient) emit(ev Event) {
	c.mu.Lock()
	ev.Expunged = c.expunged
	c.mu.Unlock()
	select {
	case c.events <- ev:
	default:
		// counts and the expunge total travel on every event, the next one resyncs
		metrics.ListenerEvents.WithLabelValues("dropped").Inc()
		c.logger.Debugw("Dropping mailbox event, buffer full", "kind", ev.Kind)
	}
}

func (c *IMAPClient) options() *imapclient.Options {
	return &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         c.cfg.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify, // #nosec G402 -- opt-in for test servers
		},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(seqNum uint32) {
				c.mu.Lock()
				if c.count > 0 {
					c.count--
				}
				c.expunged++
				c.mu.Unlock()
				c.emit(Event{Kind: EventExpunge, SeqNum: seqNum})
			},
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					c.mu.Lock()
					c.count = *data.NumMessages
					c.mu.Unlock()
					c.emit(Event{Kind: EventNewMail, Count: *data.NumMessages})
				}
				if data.Flags != nil {
					c.emit(Event{Kind: EventFlags})
				}
			},
			Fetch: func(msg *imapclient.FetchMessageData) {
				buf, err := msg.Collect()
				if err != nil {
					return
				}
				c.emit(Event{Kind: EventFlags, SeqNum: buf.SeqNum})
			},
		},
	}
}

// Connect dials the server, negotiates TLS and authenticates with
// OAUTHBEARER when an access token is configured, LOGIN otherwise.
func (c *IMAPClient) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	opts := c.options()

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.StartTLS {
		var conn net.Conn
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("starting TLS with %s: %w", addr, err)
		}
	} else {
		dialer := &tls.Dialer{Config: opts.TLSConfig}
		conn, dialErr := dialer.DialContext(ctx, "tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("connecting to IMAP %s: %w", addr, dialErr)
		}
		client = imapclient.New(conn, opts)
	}

	if err := c.authenticate(client); err != nil {
		_ = client.Close()
		return err
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

func (c *IMAPClient) authenticate(client *imapclient.Client) error {
	if c.cfg.AccessToken != "" {
		saslClient := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.cfg.Username,
			Token:    c.cfg.AccessToken,
			Host:     c.cfg.Host,
			Port:     c.cfg.Port,
		})
		if err := client.Authenticate(saslClient); err != nil {
			return fmt.Errorf("oauthbearer authentication failed for %s: %w", c.cfg.Username, err)
		}
		return nil
	}
	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("authentication failed for %s: %w", c.cfg.Username, err)
	}
	return nil
}

func (c *IMAPClient) conn() (*imapclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrConnectionClosed
	}
	return c.client, nil
}

// OpenMailbox selects name.
func (c *IMAPClient) OpenMailbox(_ context.Context, name string) (uint32, error) {
	client, err := c.conn()
	if err != nil {
		return 0, err
	}
	data, err := client.Select(name, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting %s: %w", name, err)
	}
	c.mu.Lock()
	c.count = data.NumMessages
	c.expunged = 0
	c.mu.Unlock()
	return data.NumMessages, nil
}

func (c *IMAPClient) Events() <-chan Event {
	return c.events
}

// Idle issues IDLE and holds it until ctx is done.
func (c *IMAPClient) Idle(ctx context.Context) error {
	client, err := c.conn()
	if err != nil {
		return err
	}
	cmd, err := client.Idle()
	if err != nil {
		return fmt.Errorf("starting idle: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("stopping idle: %w", err)
		}
		return nil
	case err := <-done:
		if err == nil {
			err = ErrConnectionClosed
		}
		return err
	}
}

// FetchRecent fetches the envelopes of the last n messages of the selected
// mailbox.
func (c *IMAPClient) FetchRecent(_ context.Context, n int) ([]Envelope, error) {
	client, err := c.conn()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	total := c.count
	c.mu.Unlock()
	if total == 0 || n <= 0 {
		return nil, nil
	}
	start := uint32(1)
	if uint32(n) < total {
		start = total - uint32(n) + 1
	}

	var seqSet imap.SeqSet
	seqSet.AddRange(start, total)
	bufs, err := client.Fetch(seqSet, &imap.FetchOptions{Envelope: true, UID: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching envelopes %d:%d: %w", start, total, err)
	}

	envelopes := make([]Envelope, 0, len(bufs))
	for _, buf := range bufs {
		envelopes = append(envelopes, envelopeFromBuffer(buf))
	}
	return envelopes, nil
}

func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{UID: uint32(buf.UID)}
	if buf.Envelope == nil {
		return env
	}
	env.MessageID = buf.Envelope.MessageID
	env.Subject = buf.Envelope.Subject
	env.Date = buf.Envelope.Date
	if len(buf.Envelope.From) > 0 {
		env.From = buf.Envelope.From[0].Addr()
	}
	for _, to := range buf.Envelope.To {
		env.To = append(env.To, to.Addr())
	}
	return env
}

// Disconnect logs out and closes the connection.
func (c *IMAPClient) Disconnect() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := client.Logout().Wait(); err != nil {
		c.logger.Debugw("Logout failed, closing connection", "error", err)
	}
	return client.Close()
}
