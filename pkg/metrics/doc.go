// Package metrics defines Prometheus metrics for the mail courier, covering
// quota admission, provider sends, circuit breakers, campaigns, mailbox
// listeners and notifications.
package metrics
