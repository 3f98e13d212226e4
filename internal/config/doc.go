// Package config loads, normalizes, and validates astoria configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads a strict TOML file: unknown keys and malformed values
// are configuration errors that stop a manager at startup. The Config type
// centralizes every knob the managers and the control CLI need, from broker
// connection details to the default user-code entrypoint.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors.
package config
