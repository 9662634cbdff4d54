// Package config loads node configuration. Values are layered: built-in
// defaults, then an optional TOML file, then DOCSTORE_* environment
// variables, then command-line flags.
package config
