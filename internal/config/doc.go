// Package config loads node configuration.
//
// Configuration is layered: built-in defaults, then a file (TOML, YAML or JSON,
// chosen by extension), then KEYMESH_* environment variables. Resolve performs
// all three and validates the result.
//
//	cfg, err := config.Resolve(path)
//
// Environment variables map to "section.field" paths: KEYMESH_QUERY_TIMEOUT sets
// query.timeout and KEYMESH_NATS_SUBJECT_PREFIX sets nats.subject_prefix. List
// fields accept a JSON array or a comma-separated string.
//
// Watch reloads the file on change and hands each valid configuration to a
// callback.
package config
