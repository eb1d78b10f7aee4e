// Package mail sends single messages to an external provider on behalf of a
// mailbox identity. The Adapter wraps a Transport (SMTP via gomail or a REST
// provider API via resty) with a per-identity circuit breaker, exponential
// retry with jitter, and error classification into fatal and transient
// failures. Templates are personalized per recipient with sprig helpers.
package mail
