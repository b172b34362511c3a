// Package notifications delivers pipeline events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Enumerated event types cover the job milestones so the workflow
// can emit consistent, user-friendly messages without duplicating HTTP glue,
// and each event class can be switched off individually in configuration.
//
// Extend this package if you need alternative transports; all workflow code
// depends only on the simple Service interface.
package notifications
