// Package ratelimit provides keyed token-bucket limiters with stale-entry
// cleanup. The same limiter paces outbound sends per sending identity and
// guards the ops HTTP server per client IP.
package ratelimit
