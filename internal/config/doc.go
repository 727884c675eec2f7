// Package config provides the broker's startup configuration and standard
// data paths.
//
// The broker's configuration is environment-variable-only — there is no
// config file format to parse or merge. Load reads the fixed set of
// AGENTATION_* variables and returns an immutable Config the supervisor
// constructs once at startup and passes down by explicit dependency,
// rather than scattering os.Getenv calls through the rest of the broker.
package config
