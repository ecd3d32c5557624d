// Package config loads careline configuration from YAML files with
// environment variable expansion and duration parsing.
package config
