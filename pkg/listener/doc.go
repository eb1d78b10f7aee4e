// Package listener keeps one IMAP IDLE session per monitored mailbox.
//
// Each session runs in its own goroutine: it idles, consumes typed events
// from the connection, hands new mail to an Ingestor and re-issues the idle
// before the server drops it. A broken connection is retried with linear
// backoff; when the attempts run out the owner is notified once and the
// session is removed.
package listener
