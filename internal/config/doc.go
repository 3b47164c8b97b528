// Package config provides YAML-based configuration management for datacache
// with defaults, environment variable overrides, and validation.
package config
