// Package config loads jsclaw's process-wide configuration from
// layered sources: built-in defaults, an optional YAML file, then
// environment variables, with explicit programmatic overrides taking
// priority over all three.
package config
