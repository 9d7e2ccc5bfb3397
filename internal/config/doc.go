// Package config loads YAML configuration for the fleetlink agent and
// coordinator binaries. Environment variables in ${VAR} form are expanded
// before parsing, and duration fields accept Go duration strings.
package config
