// Package config provides the embedded default configuration for Tandem.
package config

import _ "embed"

// DefaultConfigYAML is the settings template written to the Tandem data
// directory on first run. It matches the in-code defaults but carries
// comments for people editing the file by hand.
//
//go:embed tandem.yaml
var DefaultConfigYAML []byte
