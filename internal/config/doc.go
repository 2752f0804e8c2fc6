// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// which is how secrets (passwords, the key store passphrase) are kept out of the file.
// Only commands use this package; the client packages take plain structs.
package config
