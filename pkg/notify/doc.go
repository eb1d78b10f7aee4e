// Package notify delivers user-facing notifications (permanent listener
// failures, ingestion errors, received mail, finished campaigns) to one or
// more sinks: the structured log and a Kafka topic.
package notify
