// Package task defines the envelope exchanged between the pipeline and the
// broker: one dispatchable attempt of a stage for a given job. Envelopes are
// encoded as JSON on the wire and carry a stable idempotency key so duplicate
// deliveries of the same logical unit of work can be detected downstream.
package task
