// Package config loads and validates the appstage client configuration.
//
// # Overview
//
// A configuration is a YAML document or a CUE file (or a directory holding
// a CUE package). Both forms are checked against the built-in #Config CUE
// schema, decoded onto the defaults, overridden from the environment and
// finally validated with struct tags.
//
// # Components
//
// SchemaRegistry: compiled CUE definitions. The "config" schema guards
// configuration files, the "manifest" schema guards resource payloads
// fetched by the resolver.
//
// CUEParser: evaluates CUE sources, unifies them with #Config and exports
// concrete JSON. Errors carry file, line and column.
//
// Config: the typed configuration with helpers that build the engine,
// store, payload cache, SFTP and telemetry settings.
//
// # Example
//
//	upgrade: {
//		start_over_threshold: "168h"
//		newest_build:         true
//	}
//	retry: max_attempts: 5
//	telemetry: log_level: "debug"
//
// # Environment
//
// APPSTAGE_DATA_DIR, APPSTAGE_LOG_LEVEL and APPSTAGE_PLATFORM_VERSION take
// precedence over the file.
package config
