// Package daemon coordinates the long-running loom process and system
// integration points.
//
// It wires configuration, the job store, and the workflow manager into a
// single lifecycle with flock-based locking to prevent multiple instances.
// The daemon exposes job control helpers, caches startup preflight results,
// and serves the optional HTTP API used by dashboards and the CLI.
//
// Keep orchestration logic here: individual pipeline stages should live in
// their respective packages while the daemon focuses on startup, shutdown,
// and high level coordination.
package daemon
