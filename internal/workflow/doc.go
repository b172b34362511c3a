// Package workflow runs the pipeline: it dispatches stage tasks through the
// broker, executes them on per-queue worker pools, and advances each job
// through the stage graph as results come back.
//
// The Manager owns one pool per declared queue. Each worker pops deliveries,
// claims the stage lease in the job store, and runs the registered handler
// under the stage timeout while a heartbeat goroutine keeps the lease fresh.
// A process-wide capacity gate bounds concurrent handler executions and
// admits waiting workers by priority class.
//
// All job-level decisions flow through the coordinator, which serializes
// transitions per job and applies the pure pipeline evaluation: recording
// results, scheduling retries with exponential backoff, dead-lettering
// exhausted stages, and emitting newly eligible stages in declaration order.
// Broker pushes and notifications always happen after the job lock is
// released.
//
// Background loops re-emit due retries, reclaim leases whose heartbeat went
// stale, re-push pending emissions that never reached the broker, and purge
// terminal jobs past the retention window. Deliveries are acknowledged only
// after the corresponding state is durable, so a crash at any point leads to
// redelivery, and the lease guard absorbs the resulting duplicates.
package workflow
