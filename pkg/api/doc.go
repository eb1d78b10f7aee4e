// Package api serves the courier's operational HTTP endpoints: health,
// Prometheus metrics and read/write status views over the listener, the
// circuit breakers, the quota governor and running campaigns.
package api
