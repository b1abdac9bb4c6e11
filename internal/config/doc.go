// Package config loads the paygated runtime configuration from JSON or YAML
// files, fills defaults, applies PAYGATE_* environment overrides and
// validates the result before any component is built.
package config
