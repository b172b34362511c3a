// Package config loads, normalizes, and validates the loom configuration file.
//
// Configuration is TOML, located at ~/.config/loom/config.toml by default,
// with a project-local loom.toml fallback. All values are static after process
// start: the daemon reads the file once and never re-reads it while running.
package config
