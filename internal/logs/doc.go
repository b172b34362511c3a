// Package logs provides file tailing and offset helpers shared by the CLI and
// daemon diagnostics.
//
// It streams log files with bounded memory usage, supports negative offsets for
// "tail last N lines" operations, and powers follow-mode updates for
// `loom logs --follow`. Callers supply context deadlines so background polling
// shuts down cleanly when the CLI exits. The StreamClient in this package talks
// to the daemon's HTTP log endpoint when structured filtering is needed.
//
// Use this package whenever you need consistent log viewing semantics instead
// of re-implementing ad-hoc tail logic.
package logs
