// Package config loads the courier configuration from a YAML file, applies
// defaults for every tunable, validates it and resolves secrets from the OS
// keyring.
package config
