// Package config loads the service configuration from YAML, fills unset
// fields with defaults and validates each section. Secrets and addresses
// can be overridden from the environment with ApplyEnv.
package config
