// Package config loads the server configuration from a JSON (comments
// allowed) or YAML file, applies AGENTSERVER_* environment overrides and
// defaults, and validates the result before any component is constructed.
package config
