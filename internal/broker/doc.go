// Package broker moves task envelopes between the coordinator and the worker
// pools through named queues with at-least-once delivery.
//
// The Redis implementation keeps one ready list and one processing list per
// queue: Pop atomically moves an entry from ready to processing, and Ack
// removes it from processing once the outcome is durably recorded. Entries
// left in processing after a crash are swept back to ready on startup. The
// in-memory implementation mirrors the same list semantics for tests and for
// running without an external broker.
//
// Delivery payloads are opaque bytes; envelope encoding lives in the task
// package. Duplicate deliveries are expected and are absorbed by the job
// store's lease guard, never here.
package broker
