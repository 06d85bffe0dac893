// Package config loads the stream client configuration from YAML.
//
// ${VAR} references are expanded from the environment before parsing, so
// secrets such as the auth token and database password stay out of the file.
package config
