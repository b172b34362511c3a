// Package preflight provides readiness checks for external services
// and filesystem paths that loom depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and caches the results so status
//     surfaces can report why processing may be degraded.
//   - The CLI "loom health" command uses the FromConfig variants to display
//     service reachability without a running daemon.
//
// Each check is gated by its config section -- unconfigured endpoints are
// skipped.
package preflight
