// Package config loads, normalizes, and validates fleetagent configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the FLEETAGENT_DEVICE_ID
// environment override. The values here only seed the agent: once a device
// is provisioned, the endpoint pair and device identifier live in the state
// database and survive restarts until an explicit reset.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
