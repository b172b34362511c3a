// Package cdn provides the client for the delivery network that publishes
// finished videos.
//
// This package is used by:
//   - Upload stage: publish the rendered video and record its public URL
//
// # Publish Semantics
//
// PUT /objects/{key} ingests an artifact by reference and returns the
// public URL. HEAD /objects/{key} reports whether a key was already
// published. Publishing is not idempotent on the service side, so the
// upload handler checks Exists before publishing and treats an existing
// object as an already-completed upload.
//
// # Retry Behaviour
//
// The client never retries on its own. A retried publish that raced a
// successful one would duplicate the object; attempt-level retry policy
// lives in the pipeline where the duplicate check guards it.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.Upload: publish an artifact under a key.
// Client.Exists: report whether a key exists.
// Client.HealthCheck: verify the service is reachable.
package cdn
